package audit

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestBucketForIsStableAndBounded(t *testing.T) {
	r := NewRecorder(nil, nil, "audit", zap.NewNop())

	first := r.bucketFor("123456789")
	for i := 0; i < 10; i++ {
		if got := r.bucketFor("123456789"); got != first {
			t.Fatalf("bucket changed between calls: %d vs %d", got, first)
		}
	}
	for _, doc := range []string{"1", "900100200", "52123456", ""} {
		if b := r.bucketFor(doc); b < 0 || b >= r.buckets {
			t.Fatalf("bucket %d for %q out of range", b, doc)
		}
	}
}

func TestRecordCertificateWithoutSinksIsNoOp(t *testing.T) {
	r := NewRecorder(nil, nil, "audit", zap.NewNop())

	// Must not panic or block with both sinks disabled.
	r.RecordCertificate(context.Background(), Event{
		FullName:      "Ana Rojas",
		DocumentType:  "CC",
		Document:      "123456789",
		Chip:          "AAA0010001",
		RequestNumber: "1257322",
	})
}

func TestListCertificatesWithoutClickHouse(t *testing.T) {
	r := NewRecorder(nil, nil, "audit", zap.NewNop())

	_, err := r.ListCertificates(context.Background(), "123456789")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}
