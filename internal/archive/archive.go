// Package archive uploads results documents to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seantiz/specrun/internal/report"
)

// Config locates the archive bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
}

// Validate reports the first missing or malformed setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// ObjectStore is the subset of the minio client the archiver uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver stores results documents under <system>/<batch id>.json.
type Archiver struct {
	store  ObjectStore
	bucket string
	region string
}

// New creates an Archiver over an existing object store client.
func New(store ObjectStore, bucket, region string) *Archiver {
	return &Archiver{store: store, bucket: bucket, region: region}
}

// NewMinIO creates an Archiver backed by a minio client for cfg.
func NewMinIO(cfg Config) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("archive config: %w", err)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return New(client, cfg.Bucket, cfg.Region), nil
}

// EnsureBucket creates the archive bucket if it does not exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Key returns the object key a document is stored under.
func Key(doc *report.Document) string {
	system := doc.SystemName
	if system == "" {
		system = "default"
	}
	return system + "/" + doc.ID + ".json"
}

// Archive uploads doc and returns its object key.
func (a *Archiver) Archive(ctx context.Context, doc *report.Document) (string, error) {
	if doc == nil || doc.BatchResult == nil || doc.ID == "" {
		return "", errors.New("archive: document has no batch id")
	}

	var buf bytes.Buffer
	if err := report.WriteJSON(&buf, doc); err != nil {
		return "", err
	}

	key := Key(doc)
	_, err := a.store.PutObject(ctx, a.bucket, key, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
