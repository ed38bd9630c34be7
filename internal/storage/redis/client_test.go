package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestOpenWithAddress(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Open(context.Background(), Config{Address: mr.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestOpenWithURL(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Open(context.Background(), Config{URL: "redis://" + mr.Addr() + "/0"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = client.Close()
}

func TestOptionsRequireAddress(t *testing.T) {
	if _, err := (Config{}).Options(); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestOpenUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	if _, err := Open(context.Background(), Config{Address: addr}); err == nil {
		t.Fatalf("expected ping failure")
	}
}
