package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/money"
	"github.com/vietddude/outagewatch/internal/infra/storage"
)

// MemoryStorage keeps everything in process. Writers work on a copy of the
// dataset that replaces the live one only when the unit of work succeeds.
type MemoryStorage struct {
	mu   sync.RWMutex // guards data
	txMu sync.Mutex   // serializes writers
	data *dataset
}

type dataset struct {
	connections map[string]*domain.Connection
	connOrder   []string
	claims      map[string]*domain.Claim
	claimOrder  []string
	transitions map[string][]domain.ClaimTransition
}

func newDataset() *dataset {
	return &dataset{
		connections: make(map[string]*domain.Connection),
		claims:      make(map[string]*domain.Claim),
		transitions: make(map[string][]domain.ClaimTransition),
	}
}

func (d *dataset) clone() *dataset {
	cp := newDataset()
	for id, c := range d.connections {
		cp.connections[id] = c.Clone()
	}
	for id, c := range d.claims {
		cp.claims[id] = c.Clone()
	}
	for id, ts := range d.transitions {
		cp.transitions[id] = append([]domain.ClaimTransition(nil), ts...)
	}
	cp.connOrder = append([]string(nil), d.connOrder...)
	cp.claimOrder = append([]string(nil), d.claimOrder...)
	return cp
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: newDataset()}
}

func (s *MemoryStorage) Connections() storage.ConnectionRepository {
	return &ConnectionRepo{store: s}
}

func (s *MemoryStorage) Claims() storage.ClaimRepository {
	return &ClaimRepo{store: s}
}

// WithinTx runs fn against a private copy and publishes it on success.
// fn must only use the repositories of the tx it is given.
func (s *MemoryStorage) WithinTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(func(d *dataset) error {
		return fn(&memTx{store: s, data: d})
	})
}

func (s *MemoryStorage) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStorage) Close() error { return nil }

func (s *MemoryStorage) commit(fn func(d *dataset) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	next := s.data.clone()
	s.mu.RUnlock()

	if err := fn(next); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = next
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) read(tx *dataset, fn func(d *dataset) error) error {
	if tx != nil {
		return fn(tx)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

func (s *MemoryStorage) write(tx *dataset, fn func(d *dataset) error) error {
	if tx != nil {
		return fn(tx)
	}
	return s.commit(fn)
}

type memTx struct {
	store *MemoryStorage
	data  *dataset
}

func (t *memTx) Connections() storage.ConnectionRepository {
	return &ConnectionRepo{store: t.store, tx: t.data}
}

func (t *memTx) Claims() storage.ClaimRepository {
	return &ClaimRepo{store: t.store, tx: t.data}
}

// -----------------------------------------------------------------------------
// Connection Repository
// -----------------------------------------------------------------------------

type ConnectionRepo struct {
	store *MemoryStorage
	tx    *dataset
}

func (r *ConnectionRepo) Create(ctx context.Context, conn *domain.Connection) error {
	return r.store.write(r.tx, func(d *dataset) error {
		for _, c := range d.connections {
			if c.UserID == conn.UserID && c.ProviderID == conn.ProviderID && c.ZipCode == conn.ZipCode {
				return &domain.DuplicateConnectionError{ProviderID: conn.ProviderID, ZipCode: conn.ZipCode}
			}
		}
		d.connections[conn.ID] = conn.Clone()
		d.connOrder = append(d.connOrder, conn.ID)
		return nil
	})
}

func (r *ConnectionRepo) Get(ctx context.Context, userID, id string) (*domain.Connection, error) {
	var out *domain.Connection
	err := r.store.read(r.tx, func(d *dataset) error {
		c, err := d.connection(userID, id)
		if err != nil {
			return err
		}
		out = c.Clone()
		return nil
	})
	return out, err
}

func (r *ConnectionRepo) List(ctx context.Context, userID string) ([]*domain.Connection, error) {
	var out []*domain.Connection
	err := r.store.read(r.tx, func(d *dataset) error {
		for _, id := range d.connOrder {
			if c := d.connections[id]; c.UserID == userID {
				out = append(out, c.Clone())
			}
		}
		return nil
	})
	return out, err
}

func (r *ConnectionRepo) FindByProviderZip(ctx context.Context, userID, providerID, zip string) (*domain.Connection, error) {
	var out *domain.Connection
	err := r.store.read(r.tx, func(d *dataset) error {
		for _, id := range d.connOrder {
			c := d.connections[id]
			if c.UserID == userID && c.ProviderID == providerID && c.ZipCode == zip {
				out = c.Clone()
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (r *ConnectionRepo) SetMonitoring(ctx context.Context, userID, id string, on bool, at time.Time) error {
	return r.mutate(userID, id, func(c *domain.Connection) {
		c.IsMonitoring = on
		c.UpdatedAt = at
	})
}

func (r *ConnectionRepo) IncrementClaims(ctx context.Context, userID, id string, at time.Time) error {
	return r.mutate(userID, id, func(c *domain.Connection) {
		c.ClaimsCount++
		c.UpdatedAt = at
	})
}

func (r *ConnectionRepo) AddClaimed(ctx context.Context, userID, id string, amount money.Amount, at time.Time) error {
	return r.mutate(userID, id, func(c *domain.Connection) {
		c.TotalClaimed = c.TotalClaimed.Add(amount)
		c.UpdatedAt = at
	})
}

func (r *ConnectionRepo) Delete(ctx context.Context, userID, id string) error {
	return r.store.write(r.tx, func(d *dataset) error {
		if _, err := d.connection(userID, id); err != nil {
			return err
		}
		delete(d.connections, id)
		d.connOrder = removeID(d.connOrder, id)
		return nil
	})
}

func (r *ConnectionRepo) mutate(userID, id string, fn func(c *domain.Connection)) error {
	return r.store.write(r.tx, func(d *dataset) error {
		c, err := d.connection(userID, id)
		if err != nil {
			return err
		}
		fn(c)
		return nil
	})
}

func (d *dataset) connection(userID, id string) (*domain.Connection, error) {
	c, ok := d.connections[id]
	if !ok || c.UserID != userID {
		return nil, domain.NotFound("connection", id)
	}
	return c, nil
}

// -----------------------------------------------------------------------------
// Claim Repository
// -----------------------------------------------------------------------------

type ClaimRepo struct {
	store *MemoryStorage
	tx    *dataset
}

func (r *ClaimRepo) Create(ctx context.Context, claim *domain.Claim) error {
	return r.store.write(r.tx, func(d *dataset) error {
		if _, exists := d.claims[claim.ID]; exists {
			return storage.ErrVersionConflict
		}
		claim.Version = 1
		d.claims[claim.ID] = claim.Clone()
		d.claimOrder = append(d.claimOrder, claim.ID)
		return nil
	})
}

func (r *ClaimRepo) Get(ctx context.Context, userID, id string) (*domain.Claim, error) {
	var out *domain.Claim
	err := r.store.read(r.tx, func(d *dataset) error {
		c, ok := d.claims[id]
		if !ok || c.UserID != userID {
			return domain.NotFound("claim", id)
		}
		out = c.Clone()
		return nil
	})
	return out, err
}

func (r *ClaimRepo) List(ctx context.Context, userID string, filter domain.ClaimFilter) ([]*domain.Claim, error) {
	var out []*domain.Claim
	err := r.store.read(r.tx, func(d *dataset) error {
		for _, id := range d.claimOrder {
			c := d.claims[id]
			if c.UserID == userID && filter.Match(c) {
				out = append(out, c.Clone())
			}
		}
		return nil
	})
	return out, err
}

func (r *ClaimRepo) Update(ctx context.Context, claim *domain.Claim, expectedVersion int) error {
	return r.store.write(r.tx, func(d *dataset) error {
		cur, ok := d.claims[claim.ID]
		if !ok || cur.UserID != claim.UserID {
			return domain.NotFound("claim", claim.ID)
		}
		if cur.Version != expectedVersion {
			return storage.ErrVersionConflict
		}
		claim.Version = expectedVersion + 1
		d.claims[claim.ID] = claim.Clone()
		return nil
	})
}

func (r *ClaimRepo) CountByConnection(ctx context.Context, userID, connectionID string) (int, error) {
	n := 0
	err := r.store.read(r.tx, func(d *dataset) error {
		for _, c := range d.claims {
			if c.UserID == userID && c.ConnectionID == connectionID {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *ClaimRepo) AppendTransition(ctx context.Context, userID string, t *domain.ClaimTransition) error {
	return r.store.write(r.tx, func(d *dataset) error {
		c, ok := d.claims[t.ClaimID]
		if !ok || c.UserID != userID {
			return domain.NotFound("claim", t.ClaimID)
		}
		t.Seq = len(d.transitions[t.ClaimID]) + 1
		d.transitions[t.ClaimID] = append(d.transitions[t.ClaimID], *t)
		return nil
	})
}

func (r *ClaimRepo) History(ctx context.Context, userID, claimID string) ([]domain.ClaimTransition, error) {
	var out []domain.ClaimTransition
	err := r.store.read(r.tx, func(d *dataset) error {
		c, ok := d.claims[claimID]
		if !ok || c.UserID != userID {
			return domain.NotFound("claim", claimID)
		}
		out = append(out, d.transitions[claimID]...)
		sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
		return nil
	})
	return out, err
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
