// Package objstore mirrors finished export packages into S3-compatible object
// storage and hands out presigned download links.
package objstore

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// DefaultURLExpiry is how long a presigned download link stays valid.
const DefaultURLExpiry = time.Hour

// Config describes the object store endpoint. An empty Endpoint disables mirroring.
type Config struct {
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Bucket    string        `yaml:"bucket"`
	Region    string        `yaml:"region"`
	UseSSL    bool          `yaml:"use_ssl"`
	URLExpiry time.Duration `yaml:"url_expiry"`
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool { return c.Endpoint != "" }

// ObjectStore is the subset of S3 operations the mirror needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutFile(ctx context.Context, bucket, key, path, contentType string) error
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// MinioStore implements ObjectStore with minio-go.
type MinioStore struct {
	client *minio.Client
	region string
}

// NewMinioStore creates a client for cfg. The endpoint may be a bare host:port
// or a URL whose scheme selects TLS.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, wrapError(CodeEndpointUnreachable, false, fmt.Errorf("endpoint is required"))
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, wrapError(CodeAuthInvalid, false, fmt.Errorf("credentials are required"))
	}

	endpoint, secure := cfg.Endpoint, cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = secure || u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, wrapError(CodeEndpointUnreachable, true, fmt.Errorf("create minio client: %w", err))
	}
	return &MinioStore{client: client, region: cfg.Region}, nil
}

func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	if bucket == "" {
		return wrapError(CodeBucketNotFound, false, fmt.Errorf("bucket name is required"))
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return classify(err)
	}
	if exists {
		return nil
	}
	return classify(s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}))
}

func (s *MinioStore) PutFile(ctx context.Context, bucket, key, path, contentType string) error {
	_, err := s.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	return classify(err)
}

func (s *MinioStore) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(key)))
	u, err := s.client.PresignedGetObject(ctx, bucket, key, expiry, params)
	if err != nil {
		return "", classify(err)
	}
	return u.String(), nil
}

// Mirror uploads artifacts under <processID>/<file name> and returns a
// presigned link. It satisfies jobs.Mirror.
type Mirror struct {
	store  ObjectStore
	bucket string
	expiry time.Duration
	log    *zap.Logger

	mu       sync.Mutex
	bucketOK bool
}

// NewMirror creates a mirror writing into bucket.
func NewMirror(store ObjectStore, bucket string, expiry time.Duration, log *zap.Logger) *Mirror {
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{store: store, bucket: bucket, expiry: expiry, log: log.Named("objstore")}
}

// ObjectKey is the key an artifact of processID is stored under.
func ObjectKey(processID, artifactPath string) string {
	return processID + "/" + filepath.Base(artifactPath)
}

func (m *Mirror) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bucketOK {
		return nil
	}
	if err := m.store.EnsureBucket(ctx, m.bucket); err != nil {
		return err
	}
	m.bucketOK = true
	return nil
}

// Publish uploads the artifact and presigns a GET for it.
func (m *Mirror) Publish(ctx context.Context, processID, artifactPath string) (string, error) {
	if err := m.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("ensure bucket %s: %w", m.bucket, err)
	}
	key := ObjectKey(processID, artifactPath)
	if err := m.store.PutFile(ctx, m.bucket, key, artifactPath, "application/zip"); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	link, err := m.store.PresignGet(ctx, m.bucket, key, m.expiry)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	m.log.Info("artifact mirrored", zap.String("process_id", processID), zap.String("key", key))
	return link, nil
}
