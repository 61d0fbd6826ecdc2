package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/basalt-labs/basalt-go/internal/platform/env"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool

	// BucketPrefix namespaces one bucket per logical blob store, e.g.
	// prefix "basalt-blobs" and store "artifacts" -> "basalt-blobs-artifacts".
	BucketPrefix string
	Stores       []string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("REGISTRY_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:     env.String("REGISTRY_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:    env.String("REGISTRY_MINIO_ACCESS_KEY", "basalt"),
		SecretKey:    env.String("REGISTRY_MINIO_SECRET_KEY", "basaltminio"),
		Region:       env.String("REGISTRY_MINIO_REGION", "us-east-1"),
		UseSSL:       useSSL,
		BucketPrefix: env.String("REGISTRY_MINIO_BUCKET_PREFIX", "basalt-blobs"),
		Stores:       env.Strings("REGISTRY_BLOB_STORES", []string{"artifacts"}),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketPrefix) == "" {
		return errors.New("bucket prefix is required")
	}
	if len(c.Stores) == 0 {
		return errors.New("at least one blob store is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

func (c Config) Bucket(store string) string {
	return c.BucketPrefix + "-" + store
}

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func EnsureBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	for _, store := range cfg.Stores {
		if err := ensureBucket(ctx, client, cfg.Bucket(store), cfg.Region); err != nil {
			return fmt.Errorf("ensure bucket for store %q: %w", store, err)
		}
	}
	return nil
}

func CheckBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, store := range cfg.Stores {
		exists, err := client.BucketExists(ctx, cfg.Bucket(store))
		if err != nil {
			return fmt.Errorf("bucket exists for store %q: %w", store, err)
		}
		if !exists {
			return fmt.Errorf("bucket missing for store %q: %s", store, cfg.Bucket(store))
		}
	}
	return nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
