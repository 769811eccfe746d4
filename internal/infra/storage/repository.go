package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/money"
)

var (
	// ErrVersionConflict is returned when a claim changed since it was read
	ErrVersionConflict = errors.New("claim version conflict")
)

// ConnectionRepository handles connection storage operations.
// Every lookup is scoped to a user; a connection of another user is not found.
type ConnectionRepository interface {
	// Create stores a new connection. Returns domain.ErrDuplicateConnection when
	// the user already has one for the same provider and zip code.
	Create(ctx context.Context, conn *domain.Connection) error

	// Get retrieves a connection by ID
	Get(ctx context.Context, userID, id string) (*domain.Connection, error)

	// List returns all connections of a user in insertion order
	List(ctx context.Context, userID string) ([]*domain.Connection, error)

	// FindByProviderZip returns the connection for provider+zip, or nil
	FindByProviderZip(ctx context.Context, userID, providerID, zip string) (*domain.Connection, error)

	// SetMonitoring switches monitoring on or off
	SetMonitoring(ctx context.Context, userID, id string, on bool, at time.Time) error

	// IncrementClaims bumps the claims count by one
	IncrementClaims(ctx context.Context, userID, id string, at time.Time) error

	// AddClaimed adds an approved credit to the connection's running total
	AddClaimed(ctx context.Context, userID, id string, amount money.Amount, at time.Time) error

	// Delete removes a connection
	Delete(ctx context.Context, userID, id string) error
}

// ClaimRepository handles claim storage operations
type ClaimRepository interface {
	// Create stores a new claim at version 1
	Create(ctx context.Context, claim *domain.Claim) error

	// Get retrieves a claim by ID
	Get(ctx context.Context, userID, id string) (*domain.Claim, error)

	// List returns the user's claims in creation order
	List(ctx context.Context, userID string, filter domain.ClaimFilter) ([]*domain.Claim, error)

	// Update writes claim if the stored version equals expectedVersion, then
	// bumps claim.Version. Returns ErrVersionConflict otherwise.
	Update(ctx context.Context, claim *domain.Claim, expectedVersion int) error

	// CountByConnection counts claims that reference a connection
	CountByConnection(ctx context.Context, userID, connectionID string) (int, error)

	// AppendTransition adds an audit entry; Seq is assigned by the store
	AppendTransition(ctx context.Context, userID string, t *domain.ClaimTransition) error

	// History returns a claim's transitions oldest first
	History(ctx context.Context, userID, claimID string) ([]domain.ClaimTransition, error)
}

// Tx exposes the repositories bound to one unit of work.
type Tx interface {
	Connections() ConnectionRepository
	Claims() ClaimRepository
}

// Store is the persistence boundary of the engine.
type Store interface {
	Tx

	// WithinTx runs fn in a unit of work. Nothing fn writes is visible unless
	// fn returns nil and the commit succeeds.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// Ping checks that the backing store is reachable
	Ping(ctx context.Context) error

	// Close releases resources
	Close() error
}
