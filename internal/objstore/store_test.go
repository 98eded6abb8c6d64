package objstore

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validS3Config() S3Config {
	return S3Config{
		AccessKey: "id",
		SecretKey: "secret",
		Bucket:    "bot-logs",
		Endpoint:  "https://storage.example.net",
		Region:    "ru-central1",
	}
}

func TestNewS3Client_Valid(t *testing.T) {
	c, err := NewS3Client(validS3Config())
	require.NoError(t, err)
	assert.Equal(t, "bot-logs", c.Bucket())
}

func TestNewS3Client_Defaults(t *testing.T) {
	cfg := validS3Config()
	cfg.Endpoint = ""
	cfg.Region = ""
	_, err := NewS3Client(cfg)
	require.NoError(t, err)
}

func TestNewS3Client_FailsFast(t *testing.T) {
	cases := map[string]func(*S3Config){
		"missing access key":  func(c *S3Config) { c.AccessKey = "" },
		"missing secret key":  func(c *S3Config) { c.SecretKey = " " },
		"missing bucket":      func(c *S3Config) { c.Bucket = "" },
		"endpoint no scheme":  func(c *S3Config) { c.Endpoint = "storage.example.net" },
		"endpoint bad scheme": func(c *S3Config) { c.Endpoint = "ftp://storage.example.net" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validS3Config()
			mutate(&cfg)
			_, err := NewS3Client(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestClassify(t *testing.T) {
	denied := classify("k", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden})
	assert.True(t, IsPermanent(denied))

	var df *DeliveryFailure
	require.ErrorAs(t, denied, &df)
	assert.Equal(t, "k", df.Key)
	assert.Equal(t, "AccessDenied", df.Code)

	unavailable := classify("k", minio.ErrorResponse{Code: "ServiceUnavailable", StatusCode: http.StatusServiceUnavailable})
	assert.False(t, IsPermanent(unavailable))

	network := classify("k", errors.New("dial tcp: connection refused"))
	assert.False(t, IsPermanent(network))
	assert.Contains(t, network.Error(), "connection refused")
}

func TestMemoryStore_PutOverwrites(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "a", []byte("1")))
	require.NoError(t, m.Put(ctx, "a", []byte("2")))
	require.NoError(t, m.Put(ctx, "b", []byte("3")))

	got, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", string(got))
	assert.Equal(t, []string{"a", "b"}, m.Keys())
	assert.Equal(t, 3, m.Puts())
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	m := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Put(ctx, "a", []byte("1"))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Empty(t, m.Keys())
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", contentType("date=2024-01-02/hour=03/42_2024-01-02T03:04:05+00:00.json"))
	assert.Equal(t, "application/octet-stream", contentType("backups/bot.unknownext"))
}
