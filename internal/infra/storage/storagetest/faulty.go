package storagetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/money"
	"github.com/vietddude/outagewatch/internal/infra/storage"
)

// ErrInjected is the default error returned by failing operations.
var ErrInjected = errors.New("injected storage failure")

// Operation names accepted by Faulty.Fail.
const (
	OpConnCreate       = "connections.Create"
	OpConnGet          = "connections.Get"
	OpConnList         = "connections.List"
	OpConnSetMonitor   = "connections.SetMonitoring"
	OpConnIncrement    = "connections.IncrementClaims"
	OpConnAddClaimed   = "connections.AddClaimed"
	OpConnDelete       = "connections.Delete"
	OpClaimCreate      = "claims.Create"
	OpClaimGet         = "claims.Get"
	OpClaimList        = "claims.List"
	OpClaimUpdate      = "claims.Update"
	OpClaimTransition  = "claims.AppendTransition"
	OpClaimHistory     = "claims.History"
	OpWithinTx         = "WithinTx"
	OpPing             = "Ping"
	OpConnFindProvider = "connections.FindByProviderZip"
)

// Faulty wraps a store and fails chosen operations, inside and outside
// transactions alike.
type Faulty struct {
	storage.Store

	mu    sync.Mutex
	fails map[string]error
}

// NewFaulty wraps s.
func NewFaulty(s storage.Store) *Faulty {
	return &Faulty{Store: s, fails: make(map[string]error)}
}

// Fail makes op return err (ErrInjected when nil) until Heal is called.
func (f *Faulty) Fail(op string, err error) {
	if err == nil {
		err = ErrInjected
	}
	f.mu.Lock()
	f.fails[op] = err
	f.mu.Unlock()
}

// Heal clears all injected failures.
func (f *Faulty) Heal() {
	f.mu.Lock()
	f.fails = make(map[string]error)
	f.mu.Unlock()
}

func (f *Faulty) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fails[op]
}

func (f *Faulty) Connections() storage.ConnectionRepository {
	return &faultyConns{f: f, next: f.Store.Connections()}
}

func (f *Faulty) Claims() storage.ClaimRepository {
	return &faultyClaims{f: f, next: f.Store.Claims()}
}

func (f *Faulty) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := f.check(OpWithinTx); err != nil {
		return err
	}
	return f.Store.WithinTx(ctx, func(tx storage.Tx) error {
		return fn(faultyTx{f: f, next: tx})
	})
}

func (f *Faulty) Ping(ctx context.Context) error {
	if err := f.check(OpPing); err != nil {
		return err
	}
	return f.Store.Ping(ctx)
}

type faultyTx struct {
	f    *Faulty
	next storage.Tx
}

func (t faultyTx) Connections() storage.ConnectionRepository {
	return &faultyConns{f: t.f, next: t.next.Connections()}
}

func (t faultyTx) Claims() storage.ClaimRepository {
	return &faultyClaims{f: t.f, next: t.next.Claims()}
}

type faultyConns struct {
	f    *Faulty
	next storage.ConnectionRepository
}

func (r *faultyConns) Create(ctx context.Context, conn *domain.Connection) error {
	if err := r.f.check(OpConnCreate); err != nil {
		return err
	}
	return r.next.Create(ctx, conn)
}

func (r *faultyConns) Get(ctx context.Context, userID, id string) (*domain.Connection, error) {
	if err := r.f.check(OpConnGet); err != nil {
		return nil, err
	}
	return r.next.Get(ctx, userID, id)
}

func (r *faultyConns) List(ctx context.Context, userID string) ([]*domain.Connection, error) {
	if err := r.f.check(OpConnList); err != nil {
		return nil, err
	}
	return r.next.List(ctx, userID)
}

func (r *faultyConns) FindByProviderZip(ctx context.Context, userID, providerID, zip string) (*domain.Connection, error) {
	if err := r.f.check(OpConnFindProvider); err != nil {
		return nil, err
	}
	return r.next.FindByProviderZip(ctx, userID, providerID, zip)
}

func (r *faultyConns) SetMonitoring(ctx context.Context, userID, id string, on bool, at time.Time) error {
	if err := r.f.check(OpConnSetMonitor); err != nil {
		return err
	}
	return r.next.SetMonitoring(ctx, userID, id, on, at)
}

func (r *faultyConns) IncrementClaims(ctx context.Context, userID, id string, at time.Time) error {
	if err := r.f.check(OpConnIncrement); err != nil {
		return err
	}
	return r.next.IncrementClaims(ctx, userID, id, at)
}

func (r *faultyConns) AddClaimed(ctx context.Context, userID, id string, amount money.Amount, at time.Time) error {
	if err := r.f.check(OpConnAddClaimed); err != nil {
		return err
	}
	return r.next.AddClaimed(ctx, userID, id, amount, at)
}

func (r *faultyConns) Delete(ctx context.Context, userID, id string) error {
	if err := r.f.check(OpConnDelete); err != nil {
		return err
	}
	return r.next.Delete(ctx, userID, id)
}

type faultyClaims struct {
	f    *Faulty
	next storage.ClaimRepository
}

func (r *faultyClaims) Create(ctx context.Context, claim *domain.Claim) error {
	if err := r.f.check(OpClaimCreate); err != nil {
		return err
	}
	return r.next.Create(ctx, claim)
}

func (r *faultyClaims) Get(ctx context.Context, userID, id string) (*domain.Claim, error) {
	if err := r.f.check(OpClaimGet); err != nil {
		return nil, err
	}
	return r.next.Get(ctx, userID, id)
}

func (r *faultyClaims) List(ctx context.Context, userID string, filter domain.ClaimFilter) ([]*domain.Claim, error) {
	if err := r.f.check(OpClaimList); err != nil {
		return nil, err
	}
	return r.next.List(ctx, userID, filter)
}

func (r *faultyClaims) Update(ctx context.Context, claim *domain.Claim, expectedVersion int) error {
	if err := r.f.check(OpClaimUpdate); err != nil {
		return err
	}
	return r.next.Update(ctx, claim, expectedVersion)
}

func (r *faultyClaims) CountByConnection(ctx context.Context, userID, connectionID string) (int, error) {
	return r.next.CountByConnection(ctx, userID, connectionID)
}

func (r *faultyClaims) AppendTransition(ctx context.Context, userID string, t *domain.ClaimTransition) error {
	if err := r.f.check(OpClaimTransition); err != nil {
		return err
	}
	return r.next.AppendTransition(ctx, userID, t)
}

func (r *faultyClaims) History(ctx context.Context, userID, claimID string) ([]domain.ClaimTransition, error) {
	if err := r.f.check(OpClaimHistory); err != nil {
		return nil, err
	}
	return r.next.History(ctx, userID, claimID)
}
