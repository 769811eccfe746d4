package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/outagewatch/internal/infra/signal"
	"github.com/vietddude/outagewatch/internal/monitoring/metrics"
)

// CachedSource puts a Redis TTL cache in front of a signal source so several
// connections at the same provider+zip cost one upstream query per TTL.
// Redis failures fall through to the wrapped source.
type CachedSource struct {
	client *Client
	next   signal.Source
	ttl    time.Duration
	log    *slog.Logger
}

// cacheEntry is what gets stored; Report nil records a "no outage" answer.
type cacheEntry struct {
	Report *signal.Report `json:"report"`
}

func NewCachedSource(client *Client, next signal.Source, ttl time.Duration) *CachedSource {
	return &CachedSource{
		client: client,
		next:   next,
		ttl:    ttl,
		log:    slog.Default().With("component", "signal_cache"),
	}
}

func (s *CachedSource) Name() string { return s.next.Name() + "+redis" }

func (s *CachedSource) Query(ctx context.Context, providerID, zip string) (*signal.Report, error) {
	key := signalKey(providerID, zip)

	data, err := s.client.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if r, decodeErr := decodeEntry(data); decodeErr == nil {
			metrics.SignalCacheTotal.WithLabelValues("hit").Inc()
			return r, nil
		}
		metrics.SignalCacheTotal.WithLabelValues("error").Inc()
	case errors.Is(err, redis.Nil):
		metrics.SignalCacheTotal.WithLabelValues("miss").Inc()
	default:
		metrics.SignalCacheTotal.WithLabelValues("error").Inc()
		s.log.Debug("cache read failed", "key", key, "error", err)
	}

	r, err := s.next.Query(ctx, providerID, zip)
	if err != nil {
		return nil, err
	}

	if encoded, err := encodeEntry(r); err == nil {
		if err := s.client.rdb.Set(ctx, key, encoded, s.ttl).Err(); err != nil {
			s.log.Debug("cache write failed", "key", key, "error", err)
		}
	}
	return r, nil
}

func encodeEntry(r *signal.Report) ([]byte, error) {
	data, err := json.Marshal(cacheEntry{Report: r})
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*signal.Report, error) {
	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return e.Report, nil
}
