package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const AlgoSHA256 = "sha256"

var ErrNotFound = errors.New("blob not found")

// Store is content-addressed: keys are digests derived from content, never
// supplied by callers, so objects are immutable and deduplicated by
// construction.
type Store interface {
	Put(ctx context.Context, store string, data []byte) (digest string, size int64, err error)
	Get(ctx context.Context, store, digest string) ([]byte, error)
	VerifyDigest(ctx context.Context, store, digest, algo string) (bool, error)
}

// ComputeDigest returns the algorithm-tagged content digest.
func ComputeDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return AlgoSHA256 + ":" + hex.EncodeToString(sum[:])
}

// ParseDigest splits an "algo:hex" digest and checks its shape.
func ParseDigest(digest string) (algo, hexSum string, err error) {
	algo, hexSum, ok := strings.Cut(digest, ":")
	if !ok || algo == "" || hexSum == "" {
		return "", "", fmt.Errorf("malformed digest %q", digest)
	}
	if algo != AlgoSHA256 {
		return "", "", fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	if len(hexSum) != sha256.Size*2 {
		return "", "", fmt.Errorf("digest %q has wrong length", digest)
	}
	if _, err := hex.DecodeString(hexSum); err != nil {
		return "", "", fmt.Errorf("digest %q is not hex: %w", digest, err)
	}
	return algo, hexSum, nil
}

// objectKey fans digests out into two prefix levels to keep listings sane.
func objectKey(hexSum string) string {
	return hexSum[:2] + "/" + hexSum[2:4] + "/" + hexSum
}

func verify(data []byte, digest, algo string) (bool, error) {
	if algo == "" {
		algo = AlgoSHA256
	}
	if algo != AlgoSHA256 {
		return false, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	return ComputeDigest(data) == digest, nil
}
