package blobstore

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestComputeDigestShape(t *testing.T) {
	digest := ComputeDigest([]byte("hello"))
	if !strings.HasPrefix(digest, "sha256:") {
		t.Fatalf("unexpected digest %q", digest)
	}
	if _, _, err := ParseDigest(digest); err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
}

func TestParseDigestRejectsMalformed(t *testing.T) {
	for _, bad := range []string{
		"",
		"sha256:",
		"sha256:xyz",
		"md5:0123456789abcdef0123456789abcdef",
		"deadbeef",
	} {
		if _, _, err := ParseDigest(bad); err == nil {
			t.Errorf("ParseDigest(%q): expected error", bad)
		}
	}
}

func TestMemoryPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	d1, size, err := s.Put(ctx, "artifacts", []byte("payload"))
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	if size != 7 {
		t.Fatalf("size = %d, want 7", size)
	}
	d2, _, err := s.Put(ctx, "artifacts", []byte("payload"))
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digests differ: %q vs %q", d1, d2)
	}

	got, err := s.Get(ctx, "artifacts", d1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	s := NewMemoryStore()
	digest := ComputeDigest([]byte("absent"))
	if _, err := s.Get(context.Background(), "artifacts", digest); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestVerifyDigestDetectsTamper(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	digest, _, err := s.Put(ctx, "artifacts", []byte("original"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err := s.VerifyDigest(ctx, "artifacts", digest, "sha256")
	if err != nil || !ok {
		t.Fatalf("verify clean blob: ok=%v err=%v", ok, err)
	}

	s.Corrupt("artifacts", digest, []byte("tampered"))

	ok, err = s.VerifyDigest(ctx, "artifacts", digest, "sha256")
	if err != nil {
		t.Fatalf("verify tampered blob: %v", err)
	}
	if ok {
		t.Fatal("verify reported tampered blob as intact")
	}
}

func TestVerifyDigestUnknownAlgo(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	digest, _, err := s.Put(ctx, "artifacts", []byte("x"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.VerifyDigest(ctx, "artifacts", digest, "md5"); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}
