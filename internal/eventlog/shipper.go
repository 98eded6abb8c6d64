// Package eventlog turns bot interactions into JSON objects and ships them
// to object storage in the background.
//
// Events are hashed by chat ID onto a fixed set of shards. Each shard is a
// bounded FIFO drained by a single worker, so events of one chat are shipped
// in the order they were recorded. A full shard rejects new events. Failed
// uploads are retried a bounded number of times with backoff; events that
// still fail are dropped and reported through Config.OnFailure.
package eventlog

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gmatbot/internal/domain"
	"gmatbot/internal/metrics"
	"gmatbot/internal/objstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultShards         = 4
	defaultQueueSize      = 256
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 10 * time.Second
	defaultBaseBackoff    = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

var tracer = otel.Tracer("gmatbot/eventlog")

// Recorder is the producer-facing side of the pipeline. Implementations
// must not block on I/O and must not fail the caller.
type Recorder interface {
	RecordEvent(chatID int64, messageID int, direction domain.Direction, text, router, method, eventType string)
}

// FailureReason tells why an event was dropped.
type FailureReason string

const (
	ReasonRejected FailureReason = "rejected" // shard queue full or shipper closed
	ReasonDelivery FailureReason = "delivery" // upload failed after retries
	ReasonEncode   FailureReason = "encode"
)

// Failure describes a dropped event.
type Failure struct {
	Event    domain.EventRecord
	Key      string // empty when the event never reached an upload attempt
	Attempts int
	Reason   FailureReason
	Err      error
}

// Config configures a Shipper. Zero values fall back to defaults.
type Config struct {
	Store          objstore.Store
	Shards         int
	QueueSize      int // per shard
	MaxAttempts    int
	AttemptTimeout time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration

	// Now supplies the ship time used for object keys. Defaults to time.Now.
	Now func() time.Time
	// OnFailure is called for every dropped event, from a worker goroutine
	// or from Record itself for rejections.
	OnFailure func(Failure)
	Logger    *slog.Logger
}

// Stats is a snapshot of a shipper's counters.
type Stats struct {
	Recorded int64
	Shipped  int64
	Retried  int64
	Failed   int64
	Rejected int64
}

type shipperStats struct {
	recorded, shipped, retried, failed, rejected atomic.Int64
}

// Shipper implements Recorder on top of an objstore.Store.
type Shipper struct {
	cfg    Config
	logger *slog.Logger
	shards []chan domain.EventRecord

	// base is cancelled when Close gives up waiting, aborting uploads and
	// backoff sleeps still in flight.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	stats  shipperStats
}

// NewShipper starts the shard workers. Call Close to stop them.
func NewShipper(cfg Config) (*Shipper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("eventlog: store is required")
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.BaseBackoff)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Shipper{
		cfg:    cfg,
		logger: cfg.Logger,
		shards: make([]chan domain.EventRecord, cfg.Shards),
		base:   base,
		cancel: cancel,
	}
	for i := range s.shards {
		s.shards[i] = make(chan domain.EventRecord, cfg.QueueSize)
		s.wg.Add(1)
		go s.worker(s.shards[i])
	}
	s.logger.Info("event shipper started",
		"shards", cfg.Shards, "queue_size", cfg.QueueSize, "max_attempts", cfg.MaxAttempts)
	return s, nil
}

// RecordEvent builds an EventRecord stamped with the current time and
// queues it. Invalid input is logged and dropped.
func (s *Shipper) RecordEvent(chatID int64, messageID int, direction domain.Direction, text, router, method, eventType string) {
	e, err := domain.NewEvent(domain.EventParams{
		ChatID:    chatID,
		MessageID: messageID,
		Direction: direction,
		Text:      text,
		Router:    router,
		Method:    method,
		EventType: eventType,
	})
	if err != nil {
		s.logger.Error("event not recorded", "chat_id", chatID, "method", method, "err", err)
		return
	}
	s.Record(e)
}

// Record queues e for shipping and returns immediately.
func (s *Shipper) Record(e domain.EventRecord) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event record panic", "chat_id", e.ChatID(), "panic", r)
		}
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.reject(e, fmt.Errorf("shipper closed"))
		return
	}

	// The worker decrements as soon as it receives, so count first.
	metrics.QueuedEvents.Inc()
	select {
	case s.shards[s.shardFor(e.ChatID())] <- e:
		s.stats.recorded.Add(1)
		metrics.EventsRecorded.Inc()
	default:
		metrics.QueuedEvents.Dec()
		s.reject(e, fmt.Errorf("shard queue full"))
	}
}

// Close stops accepting events and waits for queued events to be shipped.
// If ctx ends first, in-flight uploads are aborted, the remaining queued
// events are dropped as failures and ctx.Err() is returned.
func (s *Shipper) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, ch := range s.shards {
		close(ch)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		s.logger.Info("event shipper drained", "shipped", s.stats.shipped.Load(), "failed", s.stats.failed.Load())
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		s.logger.Warn("event shipper closed before queues drained", "failed", s.stats.failed.Load())
		return ctx.Err()
	}
}

// Stats returns a snapshot of this shipper's counters.
func (s *Shipper) Stats() Stats {
	return Stats{
		Recorded: s.stats.recorded.Load(),
		Shipped:  s.stats.shipped.Load(),
		Retried:  s.stats.retried.Load(),
		Failed:   s.stats.failed.Load(),
		Rejected: s.stats.rejected.Load(),
	}
}

func (s *Shipper) shardFor(chatID int64) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(chatID, 10)))
	return int(h.Sum32() % uint32(len(s.shards)))
}

func (s *Shipper) worker(ch <-chan domain.EventRecord) {
	defer s.wg.Done()
	// last keeps ship times strictly increasing within the shard, so two
	// events of the same chat never map to the same key.
	var last time.Time
	for e := range ch {
		metrics.QueuedEvents.Dec()
		shipAt := s.cfg.Now().UTC().Truncate(time.Microsecond)
		if !shipAt.After(last) {
			shipAt = last.Add(time.Microsecond)
		}
		last = shipAt
		s.ship(e, shipAt)
	}
}

func (s *Shipper) ship(e domain.EventRecord, shipAt time.Time) {
	body, err := Marshal(e)
	if err != nil {
		s.fail(Failure{Event: e, Reason: ReasonEncode, Err: err})
		return
	}
	key := Key(shipAt, e.ChatID())

	ctx, span := tracer.Start(s.base, "eventlog.ship",
		trace.WithAttributes(
			attribute.String("object.key", key),
			attribute.Int64("chat.id", e.ChatID()),
			attribute.String("event.direction", string(e.Direction())),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()

	attempts := 0
	for attempts < s.cfg.MaxAttempts {
		if attempts > 0 {
			if !s.sleep(ctx, s.backoff(attempts)) {
				break
			}
		}
		attempts++

		err = s.put(ctx, key, body)
		if err == nil {
			s.stats.shipped.Add(1)
			metrics.EventsShipped.Inc()
			span.SetStatus(codes.Ok, "")
			s.logger.Debug("event shipped", "key", key, "attempts", attempts)
			return
		}
		if objstore.IsPermanent(err) || ctx.Err() != nil {
			break
		}
		if attempts < s.cfg.MaxAttempts {
			s.stats.retried.Add(1)
			metrics.EventsRetried.Inc()
			s.logger.Warn("event upload failed, will retry", "key", key, "attempt", attempts, "err", err)
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.fail(Failure{Event: e, Key: key, Attempts: attempts, Reason: ReasonDelivery, Err: err})
}

func (s *Shipper) put(ctx context.Context, key string, body []byte) (err error) {
	actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panic: %v", r)
		}
	}()
	start := time.Now()
	err = s.cfg.Store.Put(actx, key, body)
	metrics.ShipLatency.Observe(time.Since(start).Seconds())
	return err
}

// backoff returns the wait before the attempt following the n-th failure:
// exponential from BaseBackoff, capped at MaxBackoff, plus up to 50% jitter.
func (s *Shipper) backoff(n int) time.Duration {
	d := s.cfg.BaseBackoff << (n - 1)
	if d <= 0 || d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (s *Shipper) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Shipper) reject(e domain.EventRecord, err error) {
	s.stats.rejected.Add(1)
	metrics.EventsRejected.Inc()
	s.logger.Warn("event rejected", "chat_id", e.ChatID(), "method", e.Method(), "err", err)
	s.notify(Failure{Event: e, Reason: ReasonRejected, Err: err})
}

func (s *Shipper) fail(f Failure) {
	s.stats.failed.Add(1)
	metrics.EventsFailed.Inc()
	s.logger.Error("event dropped",
		"chat_id", f.Event.ChatID(),
		"key", f.Key,
		"reason", f.Reason,
		"attempts", f.Attempts,
		"err", f.Err,
	)
	s.notify(f)
}

func (s *Shipper) notify(f Failure) {
	if s.cfg.OnFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("failure callback panic", "panic", r)
		}
	}()
	s.cfg.OnFailure(f)
}
