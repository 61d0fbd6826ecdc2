package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	"github.com/basalt-labs/basalt-go/internal/platform/objectstore"
)

// MinIOStore persists blobs in one bucket per logical store, keyed by digest.
type MinIOStore struct {
	client *minio.Client
	cfg    objectstore.Config
}

func NewMinIOStore(client *minio.Client, cfg objectstore.Config) *MinIOStore {
	return &MinIOStore{client: client, cfg: cfg}
}

func (s *MinIOStore) Put(ctx context.Context, store string, data []byte) (string, int64, error) {
	digest := ComputeDigest(data)
	_, hexSum, err := ParseDigest(digest)
	if err != nil {
		return "", 0, err
	}
	bucket := s.cfg.Bucket(store)
	key := objectKey(hexSum)

	// Same content maps to the same key, so a re-put of an existing object
	// is a no-op rather than an error.
	if _, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err == nil {
		return digest, int64(len(data)), nil
	} else if resp := minio.ToErrorResponse(err); resp.Code != "NoSuchKey" {
		return "", 0, fmt.Errorf("stat blob %s: %w", digest, err)
	}

	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if _, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", 0, fmt.Errorf("put blob %s: %w", digest, err)
	}
	return digest, int64(len(data)), nil
}

func (s *MinIOStore) Get(ctx context.Context, store, digest string) ([]byte, error) {
	_, hexSum, err := ParseDigest(digest)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket(store), objectKey(hexSum), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", digest, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", digest, err)
	}
	return data, nil
}

func (s *MinIOStore) VerifyDigest(ctx context.Context, store, digest, algo string) (bool, error) {
	data, err := s.Get(ctx, store, digest)
	if err != nil {
		return false, err
	}
	return verify(data, digest, algo)
}

var _ Store = (*MinIOStore)(nil)
