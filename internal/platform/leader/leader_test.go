package leader

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestLocal_AlwaysLeads(t *testing.T) {
	var e Elector = Local{}
	ok, err := e.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected lease, got %v %v", ok, err)
	}
	if err := e.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNewRedisClient_BadURL(t *testing.T) {
	if _, err := NewRedisClient("not a url"); err == nil {
		t.Fatal("expected parse error")
	}
}

// Requires a reachable Redis; set TEST_REDIS_URL to run.
func TestRedis_SingleHolder(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	client, err := NewRedisClient(url)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx := context.Background()
	key := "screening:test:lease:" + time.Now().Format("150405.000000")
	a := NewRedis(client, key, "node-a", 2*time.Second)
	b := NewRedis(client, key, "node-b", 2*time.Second)

	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("node-a should lead: %v %v", ok, err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatal("node-b must not lead while node-a holds the lease")
	}
	if ok, _ := a.Acquire(ctx); !ok {
		t.Fatal("node-a should renew its own lease")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatal("node-b should lead after release")
	}
	_ = b.Release(ctx)
}
