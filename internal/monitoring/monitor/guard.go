package monitor

import (
	"context"
	"sync"
	"sync/atomic"
)

// Guard keeps two polls of the same connection from running at once.
type Guard interface {
	// TryAcquire takes the guard for key. ok is false when it is held.
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// LocalGuard is an in-process guard built on CAS flags.
type LocalGuard struct {
	flags sync.Map // key -> *atomic.Bool
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{}
}

func (g *LocalGuard) TryAcquire(_ context.Context, key string) (func(), bool, error) {
	v, _ := g.flags.LoadOrStore(key, &atomic.Bool{})
	flag := v.(*atomic.Bool)
	if !flag.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	return func() { flag.Store(false) }, true, nil
}

// Forget drops the flag of a removed key.
func (g *LocalGuard) Forget(key string) {
	g.flags.Delete(key)
}
