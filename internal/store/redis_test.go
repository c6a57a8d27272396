package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("OpenRedis error: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("value = %q", got)
	}
}

func TestOpenRedis_Errors(t *testing.T) {
	if _, err := OpenRedis(context.Background(), "not a url"); err == nil {
		t.Fatal("expected parse error")
	}

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := OpenRedis(context.Background(), "redis://"+addr); err == nil {
		t.Fatal("expected ping error")
	}
}
