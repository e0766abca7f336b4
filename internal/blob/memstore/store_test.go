package memstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/marcus/pricetrack/internal/blob"
)

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.Put(ctx, "a/1", strings.NewReader("one"), blob.PutOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := s.Put(ctx, "a/1", strings.NewReader("dup"), blob.PutOptions{}); !errors.Is(err, blob.ErrExists) {
		t.Errorf("duplicate Put err = %v, want ErrExists", err)
	}
	if _, err := s.Put(ctx, "b/2", strings.NewReader("two"), blob.PutOptions{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	_, rc, err := s.Get(ctx, "a/1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "one" {
		t.Errorf("Get = %q, want one", data)
	}

	list, _ := s.List(ctx, "a/")
	if len(list) != 1 || list[0].Key != "a/1" {
		t.Errorf("List(a/) = %+v", list)
	}

	if _, _, err := s.Get(ctx, "missing"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := s.PresignURL(ctx, "a/1", 0); !errors.Is(err, blob.ErrUnsupported) {
		t.Errorf("PresignURL err = %v, want ErrUnsupported", err)
	}
}
