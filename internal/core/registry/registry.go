// Package registry manages the provider connections a user monitors.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/outagewatch/internal/core/directory"
	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/events"
	"github.com/vietddude/outagewatch/internal/infra/storage"
)

var zipPattern = regexp.MustCompile(`^[0-9]{5}$`)

// Registry is the entry point for connection changes. Every mutation is
// published so the monitor can follow.
type Registry struct {
	store     storage.Store
	providers directory.Directory
	events    events.Emitter
	logger    *slog.Logger

	mu    sync.Mutex // serializes adds so the duplicate check holds
	now   func() time.Time
	newID func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides connection ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// New creates a registry. A nil emitter discards events.
func New(store storage.Store, providers directory.Directory, emitter events.Emitter, opts ...Option) *Registry {
	if emitter == nil {
		emitter = events.Nop{}
	}
	r := &Registry{
		store:     store,
		providers: providers,
		events:    emitter,
		logger:    slog.Default().With("component", "registry"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add creates a monitored connection for providerID at zip.
func (r *Registry) Add(ctx context.Context, userID, providerID, zip string) (*domain.Connection, error) {
	providerID = directory.NormalizeID(providerID)
	zip = strings.TrimSpace(zip)

	if providerID == "" {
		return nil, &domain.ValidationError{Field: "provider_id", Message: "required"}
	}
	if !zipPattern.MatchString(zip) {
		return nil, &domain.ValidationError{Field: "zip_code", Message: "must be 5 digits"}
	}

	provider, err := r.providers.Lookup(providerID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.ValidationError{Field: "provider_id", Message: "unknown provider " + providerID}
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.Connections().FindByProviderZip(ctx, userID, providerID, zip)
	if err != nil {
		return nil, persistence("find connection", err)
	}
	if existing != nil {
		return nil, &domain.DuplicateConnectionError{ProviderID: providerID, ZipCode: zip}
	}

	now := r.now()
	conn := &domain.Connection{
		ID:           r.newID(),
		UserID:       userID,
		ProviderID:   provider.ID,
		ProviderName: provider.Name,
		Category:     provider.Category,
		ZipCode:      zip,
		IsMonitoring: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.Connections().Create(ctx, conn); err != nil {
		return nil, persistence("create connection", err)
	}

	r.logger.Info("Connection added", "id", conn.ID, "provider", conn.ProviderID, "zip", conn.ZipCode)
	r.events.Emit(events.Event{Type: events.ConnectionAdded, UserID: userID, ConnectionID: conn.ID, At: now})
	return conn, nil
}

// Remove deletes a connection. Its claims stay in the ledger.
func (r *Registry) Remove(ctx context.Context, userID, id string) error {
	if err := r.store.Connections().Delete(ctx, userID, id); err != nil {
		return persistence("delete connection", err)
	}
	r.logger.Info("Connection removed", "id", id)
	r.events.Emit(events.Event{Type: events.ConnectionRemoved, UserID: userID, ConnectionID: id, At: r.now()})
	return nil
}

// ToggleMonitoring flips monitoring on a connection.
func (r *Registry) ToggleMonitoring(ctx context.Context, userID, id string) (*domain.Connection, error) {
	conn, err := r.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return r.SetMonitoring(ctx, userID, id, !conn.IsMonitoring)
}

// SetMonitoring switches monitoring on or off.
func (r *Registry) SetMonitoring(ctx context.Context, userID, id string, on bool) (*domain.Connection, error) {
	now := r.now()
	if err := r.store.Connections().SetMonitoring(ctx, userID, id, on, now); err != nil {
		return nil, persistence("set monitoring", err)
	}
	conn, err := r.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	r.logger.Info("Monitoring changed", "id", id, "monitoring", on)
	r.events.Emit(events.Event{Type: events.ConnectionToggled, UserID: userID, ConnectionID: id, Monitoring: &on, At: now})
	return conn, nil
}

// Get returns one connection.
func (r *Registry) Get(ctx context.Context, userID, id string) (*domain.Connection, error) {
	conn, err := r.store.Connections().Get(ctx, userID, id)
	if err != nil {
		return nil, persistence("get connection", err)
	}
	return conn, nil
}

// List returns the user's connections in the order they were added.
func (r *Registry) List(ctx context.Context, userID string) ([]*domain.Connection, error) {
	conns, err := r.store.Connections().List(ctx, userID)
	if err != nil {
		return nil, persistence("list connections", err)
	}
	return conns, nil
}

// Monitoring returns the connections with monitoring on.
func (r *Registry) Monitoring(ctx context.Context, userID string) ([]*domain.Connection, error) {
	conns, err := r.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := conns[:0]
	for _, c := range conns {
		if c.IsMonitoring {
			out = append(out, c)
		}
	}
	return out, nil
}

// persistence wraps storage failures, passing through the kinds callers act on.
func persistence(op string, err error) error {
	var pe *domain.PersistenceError
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrDuplicateConnection),
		errors.Is(err, domain.ErrValidation),
		errors.As(err, &pe):
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}
