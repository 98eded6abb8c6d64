// Package objstore is the transport layer for shipping event logs to an
// S3-compatible object store. It holds no retry logic: callers decide what
// to do with a DeliveryFailure.
package objstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every construction-time validation error.
var ErrInvalidConfig = errors.New("invalid object store config")

// Store uploads an object body under a key.
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
}

// DeliveryFailure is returned by Put when the backend did not accept the
// object. Permanent failures (bad credentials, missing bucket) will not
// succeed on retry.
type DeliveryFailure struct {
	Key       string
	Code      string // backend error code, when known
	Permanent bool
	Err       error
}

func (e *DeliveryFailure) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("put %s: %s: %v", e.Key, e.Code, e.Err)
	}
	return fmt.Sprintf("put %s: %v", e.Key, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a DeliveryFailure that retrying cannot fix.
func IsPermanent(err error) bool {
	var df *DeliveryFailure
	return errors.As(err, &df) && df.Permanent
}
