package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// PollLease is a SETNX lease per connection, so two processes sharing the
// store never poll the same connection at once.
type PollLease struct {
	client *Client
	ttl    time.Duration
}

func NewPollLease(client *Client, ttl time.Duration) *PollLease {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PollLease{client: client, ttl: ttl}
}

// TryAcquire takes the lease for key. ok is false when someone else holds it.
func (l *PollLease) TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error) {
	k := leaseKey(key)
	token := uuid.NewString()

	ok, err = l.client.rdb.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client.rdb, []string{k}, token).Err()
	}
	return release, true, nil
}
