// Package lifecycle drives claims from a confirmed outage to the provider's
// decision. Every claim mutation goes through the Manager: one unit of work per
// transition, serialized per claim, followed by a ledger refresh.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/outagewatch/internal/core/directory"
	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/eligibility"
	"github.com/vietddude/outagewatch/internal/core/ledger"
	"github.com/vietddude/outagewatch/internal/core/money"
	"github.com/vietddude/outagewatch/internal/core/outage"
	"github.com/vietddude/outagewatch/internal/core/script"
	"github.com/vietddude/outagewatch/internal/events"
	"github.com/vietddude/outagewatch/internal/infra/storage"
	"github.com/vietddude/outagewatch/internal/monitoring/metrics"
)

// Transition reasons recorded in claim history.
const (
	reasonConfirmed = "outage confirmed by user"
	reasonScript    = "claim script generated"
	reasonSubmitted = "submitted to provider"
	reasonApproved  = "credit approved"
	reasonDenied    = "credit denied"
	reasonDismissed = "dismissed by user"
)

// Deps are the collaborators of a Manager.
type Deps struct {
	Store       storage.Store
	Book        *outage.Book
	Eligibility *eligibility.Engine
	Scripts     *script.Generator
	Directory   directory.Directory
	Ledger      *ledger.Ledger
	Events      events.Emitter
}

// Manager owns claim state.
type Manager struct {
	store     storage.Store
	book      *outage.Book
	engine    *eligibility.Engine
	scripts   *script.Generator
	providers directory.Directory
	ledger    *ledger.Ledger
	events    events.Emitter
	logger    *slog.Logger

	locks *keyedMutex
	now   func() time.Time
	newID func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides claim ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates a manager.
func NewManager(d Deps, opts ...Option) *Manager {
	m := &Manager{
		store:     d.Store,
		book:      d.Book,
		engine:    d.Eligibility,
		scripts:   d.Scripts,
		providers: d.Directory,
		ledger:    d.Ledger,
		events:    d.Events,
		logger:    slog.Default().With("component", "lifecycle"),
		locks:     newKeyedMutex(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	if m.events == nil {
		m.events = events.Nop{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckEligibility evaluates a detected outage without changing anything.
func (m *Manager) CheckEligibility(ctx context.Context, userID, outageID string) (eligibility.Result, error) {
	o, conn, err := m.detection(ctx, userID, outageID)
	if err != nil {
		return eligibility.Result{}, err
	}
	return m.engine.Compute(conn, o, m.now())
}

// ConfirmOutage turns a detection into a claim. An ineligible outage returns
// an IneligibleError and creates nothing. On success the claim is advanced to
// script_ready; if that step fails the claim is returned in confirmed and
// GenerateScript can retry it.
func (m *Manager) ConfirmOutage(ctx context.Context, userID, outageID string) (*domain.Claim, error) {
	o, conn, err := m.detection(ctx, userID, outageID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	res, err := m.engine.Compute(conn, o, now)
	if err != nil {
		return nil, fmt.Errorf("confirm outage %s: %w", outageID, err)
	}
	if !res.IsEligible {
		metrics.ClaimTransitionFailures.WithLabelValues("confirm", "ineligible").Inc()
		return nil, &domain.IneligibleError{Reason: res.Reason}
	}

	claim := &domain.Claim{
		ID:              m.newID(),
		UserID:          userID,
		ConnectionID:    conn.ID,
		ProviderID:      conn.ProviderID,
		ProviderName:    conn.ProviderName,
		Category:        conn.Category,
		OutageStart:     o.StartTime,
		OutageEnd:       o.EffectiveEnd(now),
		DurationHours:   res.DurationHours(),
		Status:          domain.ClaimConfirmed,
		EstimatedCredit: res.EstimatedCredit,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := claim.Validate(); err != nil {
		return nil, fmt.Errorf("confirm outage %s: %w", outageID, err)
	}

	var txErr error
	_, err = m.book.Resolve(userID, o.ID, o.Version, now, func(domain.DetectedOutage) error {
		txErr = m.store.WithinTx(ctx, func(tx storage.Tx) error {
			if err := tx.Claims().Create(ctx, claim); err != nil {
				return err
			}
			if err := tx.Claims().AppendTransition(ctx, userID, &domain.ClaimTransition{
				ClaimID: claim.ID, From: domain.ClaimDetected, To: domain.ClaimConfirmed, Reason: reasonConfirmed, At: now,
			}); err != nil {
				return err
			}
			return tx.Connections().IncrementClaims(ctx, userID, conn.ID, now)
		})
		return txErr
	})
	switch {
	case txErr != nil:
		metrics.ClaimTransitionFailures.WithLabelValues("confirm", "storage").Inc()
		return nil, persistence("confirm outage", txErr)
	case errors.Is(err, outage.ErrChanged), errors.Is(err, domain.ErrNotFound):
		metrics.ClaimTransitionFailures.WithLabelValues("confirm", "conflict").Inc()
		return nil, &domain.StateConflictError{
			ClaimID: claim.ID,
			From:    domain.ClaimDetected,
			Op:      "confirm",
			Detail:  "outage " + outageID + " was dismissed or changed meanwhile",
		}
	case err != nil:
		return nil, err
	}

	m.logger.Info("Outage confirmed",
		"claim", claim.ID,
		"outage", o.ID,
		"provider", claim.ProviderID,
		"estimate", claim.EstimatedCredit.String(),
	)
	m.events.Emit(events.Event{Type: events.OutageResolved, UserID: userID, ConnectionID: conn.ID, OutageID: o.ID, ClaimID: claim.ID, At: now})
	m.committed(ctx, claim, domain.ClaimDetected, now)

	advanced, err := m.advanceScript(ctx, userID, claim.ID, func(*domain.Claim) (*domain.GeneratedClaimScript, error) {
		contact, err := m.providers.Lookup(conn.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("look up provider %s: %w", conn.ProviderID, err)
		}
		return m.scripts.Generate(conn, o, res, contact)
	})
	if err != nil {
		m.logger.Warn("Script generation failed, claim left confirmed", "claim", claim.ID, "error", err)
		return claim, nil
	}
	return advanced, nil
}

// DismissOutage discards a detection without creating a claim.
func (m *Manager) DismissOutage(ctx context.Context, userID, outageID string) (domain.DetectedOutage, error) {
	now := m.now()
	o, err := m.book.Resolve(userID, outageID, 0, now, nil)
	if err != nil {
		return domain.DetectedOutage{}, err
	}
	m.logger.Info("Outage dismissed", "outage", o.ID, "connection", o.ConnectionID)
	m.events.Emit(events.Event{Type: events.OutageResolved, UserID: userID, ConnectionID: o.ConnectionID, OutageID: o.ID, At: now})
	return o, nil
}

// GenerateScript moves a confirmed claim to script_ready, freezing the script
// built from the claim and the provider's directory entry.
func (m *Manager) GenerateScript(ctx context.Context, userID, claimID string) (*domain.Claim, error) {
	return m.advanceScript(ctx, userID, claimID, func(c *domain.Claim) (*domain.GeneratedClaimScript, error) {
		contact, err := m.providers.Lookup(c.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("look up provider %s: %w", c.ProviderID, err)
		}
		return m.scripts.Render(script.FromClaim(c, contact))
	})
}

func (m *Manager) advanceScript(ctx context.Context, userID, claimID string, build func(c *domain.Claim) (*domain.GeneratedClaimScript, error)) (*domain.Claim, error) {
	return m.transition(ctx, userID, claimID, "generate script", domain.ClaimScriptReady, reasonScript,
		func(c *domain.Claim, _ time.Time) error {
			s, err := build(c)
			if err != nil {
				return err
			}
			c.Script = s
			return nil
		}, nil)
}

// DismissClaim abandons a claim that has not reached the provider.
func (m *Manager) DismissClaim(ctx context.Context, userID, claimID, reason string) (*domain.Claim, error) {
	if reason == "" {
		reason = reasonDismissed
	}
	return m.transition(ctx, userID, claimID, "dismiss", domain.ClaimDismissed, reason, nil, nil)
}

// MarkSubmitted records that the user sent the claim to the provider.
func (m *Manager) MarkSubmitted(ctx context.Context, userID, claimID string) (*domain.Claim, error) {
	return m.transition(ctx, userID, claimID, "submit", domain.ClaimSubmitted, reasonSubmitted,
		func(c *domain.Claim, now time.Time) error {
			c.SubmittedAt = &now
			return nil
		}, nil)
}

// MarkApproved records the credit the provider granted. amount must be a
// non-negative decimal such as "3.00".
func (m *Manager) MarkApproved(ctx context.Context, userID, claimID, amount string) (*domain.Claim, error) {
	return m.transition(ctx, userID, claimID, "approve", domain.ClaimApproved, reasonApproved,
		func(c *domain.Claim, _ time.Time) error {
			credit, err := money.Parse(amount)
			if err != nil {
				return &domain.ValidationError{Field: "amount", Message: err.Error()}
			}
			c.ActualCredit = &credit
			return nil
		},
		func(ctx context.Context, tx storage.Tx, c *domain.Claim, now time.Time) error {
			err := tx.Connections().AddClaimed(ctx, c.UserID, c.ConnectionID, *c.ActualCredit, now)
			if errors.Is(err, domain.ErrNotFound) {
				// connection was removed; the claim still counts in the ledger
				return nil
			}
			return err
		})
}

// MarkDenied records the provider's refusal. reason is optional.
func (m *Manager) MarkDenied(ctx context.Context, userID, claimID, reason string) (*domain.Claim, error) {
	historyReason := reasonDenied
	if reason != "" {
		historyReason = reason
	}
	return m.transition(ctx, userID, claimID, "deny", domain.ClaimDenied, historyReason,
		func(c *domain.Claim, _ time.Time) error {
			c.ProviderResponse = reason
			return nil
		}, nil)
}

// Get returns one claim.
func (m *Manager) Get(ctx context.Context, userID, claimID string) (*domain.Claim, error) {
	c, err := m.store.Claims().Get(ctx, userID, claimID)
	if err != nil {
		return nil, persistence("get claim", err)
	}
	return c, nil
}

// List returns the user's claims matching filter, oldest first.
func (m *Manager) List(ctx context.Context, userID string, filter domain.ClaimFilter) ([]*domain.Claim, error) {
	claims, err := m.store.Claims().List(ctx, userID, filter)
	if err != nil {
		return nil, persistence("list claims", err)
	}
	return claims, nil
}

// History returns a claim's transitions, oldest first.
func (m *Manager) History(ctx context.Context, userID, claimID string) ([]domain.ClaimTransition, error) {
	h, err := m.store.Claims().History(ctx, userID, claimID)
	if err != nil {
		return nil, persistence("claim history", err)
	}
	return h, nil
}

// Summary returns the credit summary.
func (m *Manager) Summary(ctx context.Context) (domain.CreditSummary, error) {
	s, err := m.ledger.Summary(ctx)
	if err != nil {
		return domain.CreditSummary{}, persistence("credit summary", err)
	}
	return s, nil
}

type mutateFunc func(c *domain.Claim, now time.Time) error

type effectFunc func(ctx context.Context, tx storage.Tx, c *domain.Claim, now time.Time) error

// transition applies one status change. The claim is checked against the
// transition table, mutated on a copy, validated, then written with its
// history entry and effect in one unit of work guarded by the version read.
func (m *Manager) transition(
	ctx context.Context,
	userID, claimID, op string,
	to domain.ClaimStatus,
	reason string,
	mutate mutateFunc,
	effect effectFunc,
) (*domain.Claim, error) {
	unlock := m.locks.Lock(claimID)
	defer unlock()

	cur, err := m.store.Claims().Get(ctx, userID, claimID)
	if err != nil {
		return nil, persistence("load claim", err)
	}
	if !cur.Status.CanTransition(to) {
		metrics.ClaimTransitionFailures.WithLabelValues(op, "illegal").Inc()
		return nil, &domain.StateConflictError{ClaimID: claimID, From: cur.Status, Op: op}
	}

	now := m.now()
	next := cur.Clone()
	next.Status = to
	next.UpdatedAt = now
	if to.IsTerminal() {
		next.ResolvedAt = &now
	}
	if mutate != nil {
		if err := mutate(next, now); err != nil {
			metrics.ClaimTransitionFailures.WithLabelValues(op, "rejected").Inc()
			return nil, err
		}
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	err = m.store.WithinTx(ctx, func(tx storage.Tx) error {
		if err := tx.Claims().Update(ctx, next, cur.Version); err != nil {
			return err
		}
		if err := tx.Claims().AppendTransition(ctx, userID, &domain.ClaimTransition{
			ClaimID: claimID, From: cur.Status, To: to, Reason: reason, At: now,
		}); err != nil {
			return err
		}
		if effect != nil {
			return effect(ctx, tx, next, now)
		}
		return nil
	})
	if errors.Is(err, storage.ErrVersionConflict) {
		metrics.ClaimTransitionFailures.WithLabelValues(op, "conflict").Inc()
		return nil, &domain.StateConflictError{ClaimID: claimID, From: cur.Status, Op: op, Detail: "claim changed meanwhile"}
	}
	if err != nil {
		metrics.ClaimTransitionFailures.WithLabelValues(op, "storage").Inc()
		return nil, persistence(op+" claim", err)
	}

	m.logger.Info("Claim transitioned", "claim", claimID, "from", cur.Status, "to", to)
	m.committed(ctx, next, cur.Status, now)
	return next, nil
}

// committed runs after every successful claim write.
func (m *Manager) committed(ctx context.Context, c *domain.Claim, from domain.ClaimStatus, at time.Time) {
	metrics.ClaimTransitionsTotal.WithLabelValues(string(from), string(c.Status)).Inc()
	m.events.Emit(events.Event{
		Type:         events.ClaimTransitioned,
		UserID:       c.UserID,
		ConnectionID: c.ConnectionID,
		ClaimID:      c.ID,
		From:         from,
		To:           c.Status,
		At:           at,
	})

	m.ledger.Invalidate()
	s, err := m.ledger.Refresh(ctx)
	if err != nil {
		m.logger.Warn("Credit summary refresh failed", "claim", c.ID, "error", err)
		return
	}
	m.events.Emit(events.Event{Type: events.SummaryUpdated, UserID: c.UserID, Summary: &s, At: at})
}

// detection loads a detected outage and its connection.
func (m *Manager) detection(ctx context.Context, userID, outageID string) (domain.DetectedOutage, *domain.Connection, error) {
	o, err := m.book.Get(userID, outageID)
	if err != nil {
		return domain.DetectedOutage{}, nil, err
	}
	conn, err := m.store.Connections().Get(ctx, userID, o.ConnectionID)
	if err != nil {
		return domain.DetectedOutage{}, nil, persistence("load connection", err)
	}
	return o, conn, nil
}

// persistence wraps storage failures, passing through the kinds callers act on.
func persistence(op string, err error) error {
	var pe *domain.PersistenceError
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrDuplicateConnection),
		errors.Is(err, domain.ErrStateConflict),
		errors.As(err, &pe):
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}
