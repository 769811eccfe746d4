package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/infra/signal"
)

// unreachable returns a client pointed at a closed port.
func unreachable() *Client {
	return Wrap(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	}))
}

func TestCachedSourceFallsThroughWhenRedisDown(t *testing.T) {
	next := signal.NewStaticSource()
	next.Set(signal.Report{ProviderID: "comcast", ZipCode: "48201", ReportCount: 9})

	c := unreachable()
	defer c.Close()

	src := NewCachedSource(c, next, time.Minute)
	r, err := src.Query(context.Background(), "comcast", "48201")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if r == nil || r.ReportCount != 9 {
		t.Fatalf("unexpected report %+v", r)
	}
	if next.Queries() != 1 {
		t.Errorf("upstream queries = %d, want 1", next.Queries())
	}
}

func TestCachedSourcePropagatesUpstreamErrors(t *testing.T) {
	next := signal.NewStaticSource()
	next.Fail(errors.New("down"))

	c := unreachable()
	defer c.Close()

	_, err := NewCachedSource(c, next, time.Minute).Query(context.Background(), "comcast", "48201")
	if !errors.Is(err, domain.ErrSignalSourceUnavailable) {
		t.Errorf("expected ErrSignalSourceUnavailable, got %v", err)
	}
}

func TestCacheEntryRoundTripKeepsNone(t *testing.T) {
	data, err := encodeEntry(nil)
	if err != nil {
		t.Fatal(err)
	}
	r, err := decodeEntry(data)
	if err != nil || r != nil {
		t.Errorf("decode(nil entry) = %v, %v", r, err)
	}

	if _, err := decodeEntry([]byte("{")); err == nil {
		t.Error("expected error for corrupt entry")
	}
}

func TestPollLeaseReportsRedisErrors(t *testing.T) {
	c := unreachable()
	defer c.Close()

	release, ok, err := NewPollLease(c, time.Minute).TryAcquire(context.Background(), "conn-1")
	if err == nil || ok || release != nil {
		t.Errorf("TryAcquire() = %v, %v, %v; want error", release != nil, ok, err)
	}
}

func TestKeys(t *testing.T) {
	if got := signalKey("comcast", "48201"); got != "outagewatch:signal:comcast:48201" {
		t.Errorf("signalKey = %q", got)
	}
	if got := leaseKey("conn-1"); got != "outagewatch:poll:conn-1" {
		t.Errorf("leaseKey = %q", got)
	}
}

func TestConfigEnabled(t *testing.T) {
	if (Config{}).Enabled() {
		t.Error("empty config should be disabled")
	}
	if !(Config{URL: "redis://localhost:6379"}).Enabled() {
		t.Error("config with URL should be enabled")
	}
}
