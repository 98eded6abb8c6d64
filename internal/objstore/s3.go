package objstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	DefaultEndpoint = "https://storage.yandexcloud.net"
	DefaultRegion   = "ru-central1"

	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
)

// permanentCodes are S3 error codes that retrying will not fix.
var permanentCodes = map[string]bool{
	"AccessDenied":                 true,
	"InvalidAccessKeyId":           true,
	"SignatureDoesNotMatch":        true,
	"NoSuchBucket":                 true,
	"InvalidBucketName":            true,
	"AuthorizationHeaderMalformed": true,
}

// S3Config holds the credentials and location of the log bucket.
type S3Config struct {
	AccessKey string
	SecretKey string
	Bucket    string
	Endpoint  string // full URL, e.g. https://storage.yandexcloud.net
	Region    string
	Logger    *slog.Logger
}

// S3Client is a Store backed by an S3-compatible service. It is safe for
// concurrent use and meant to be built once and shared.
type S3Client struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewS3Client validates cfg and builds the client. No network calls are made.
func NewS3Client(cfg S3Config) (*S3Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var errs []string
	if strings.TrimSpace(cfg.AccessKey) == "" {
		errs = append(errs, "access key is required")
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		errs = append(errs, "secret key is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		errs = append(errs, "bucket is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Sprintf("endpoint %q must be an http(s) URL", cfg.Endpoint))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       u.Scheme == "https",
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg.Logger.Info("s3 client initialized", "endpoint", u.Host, "bucket", cfg.Bucket, "region", cfg.Region)
	return &S3Client{client: client, bucket: cfg.Bucket, logger: cfg.Logger}, nil
}

// Bucket returns the target bucket name.
func (c *S3Client) Bucket() string { return c.bucket }

// Put uploads body under key. The content type follows the key's extension.
func (c *S3Client) Put(ctx context.Context, key string, body []byte) error {
	_, err := c.client.PutObject(ctx, c.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType(key)})
	if err != nil {
		return classify(key, err)
	}
	return nil
}

// Ping checks that the bucket exists and the credentials can see it.
func (c *S3Client) Ping(ctx context.Context) error {
	ok, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return classify("", err)
	}
	if !ok {
		return &DeliveryFailure{Code: "NoSuchBucket", Permanent: true, Err: fmt.Errorf("bucket %s does not exist", c.bucket)}
	}
	return nil
}

func contentType(key string) string {
	ext := path.Ext(key)
	if ext == ".json" {
		return contentTypeJSON
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return contentTypeBinary
}

func classify(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	permanent := permanentCodes[resp.Code] ||
		resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden
	return &DeliveryFailure{Key: key, Code: resp.Code, Permanent: permanent, Err: err}
}
