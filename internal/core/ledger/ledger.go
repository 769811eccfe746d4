// Package ledger aggregates claims into the user's credit summary.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/money"
	"github.com/vietddude/outagewatch/internal/monitoring/metrics"
)

// Summarize aggregates claims. Recovered credit is the actual credit of
// approved claims; pending credit is the estimate of claims still in flight.
func Summarize(claims []*domain.Claim, at time.Time) domain.CreditSummary {
	s := domain.CreditSummary{ComputedAt: at}
	for _, c := range claims {
		switch {
		case c.Status == domain.ClaimApproved:
			if c.ActualCredit != nil {
				s.TotalRecovered = s.TotalRecovered.Add(*c.ActualCredit)
			}
			s.ApprovedClaimsCount++
		case c.Status.IsPending():
			s.TotalPending = s.TotalPending.Add(c.EstimatedCredit)
			s.PendingClaimsCount++
		}
	}
	return s
}

// ClaimLister is the part of the claim repository the ledger reads.
type ClaimLister interface {
	List(ctx context.Context, userID string, filter domain.ClaimFilter) ([]*domain.Claim, error)
}

// Ledger caches the summary of one user's claims. Writers call Invalidate
// after every committed claim change; readers get an immutable snapshot.
type Ledger struct {
	claims ClaimLister
	userID string
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex // guards generation and snapshot stores
	gen      uint64
	snapshot atomic.Pointer[domain.CreditSummary]
}

// New creates a ledger for userID.
func New(claims ClaimLister, userID string) *Ledger {
	return &Ledger{
		claims: claims,
		userID: userID,
		now:    time.Now,
		logger: slog.Default().With("component", "ledger"),
	}
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Invalidate drops the cached snapshot.
func (l *Ledger) Invalidate() {
	l.mu.Lock()
	l.gen++
	l.snapshot.Store(nil)
	l.mu.Unlock()
}

// Refresh recomputes the summary from storage. The result is cached only if no
// Invalidate happened while it was computed.
func (l *Ledger) Refresh(ctx context.Context) (domain.CreditSummary, error) {
	l.mu.Lock()
	gen := l.gen
	l.mu.Unlock()

	claims, err := l.claims.List(ctx, l.userID, domain.ClaimFilter{})
	if err != nil {
		return domain.CreditSummary{}, fmt.Errorf("list claims: %w", err)
	}
	s := Summarize(claims, l.now())

	l.mu.Lock()
	if l.gen == gen {
		l.snapshot.Store(&s)
		metrics.CreditRecoveredCents.Set(float64(s.TotalRecovered.Cents()))
		metrics.CreditPendingCents.Set(float64(s.TotalPending.Cents()))
	} else {
		l.logger.Debug("summary went stale while computing, not cached")
	}
	l.mu.Unlock()

	return s, nil
}

// Summary returns the cached summary, computing it when there is none.
func (l *Ledger) Summary(ctx context.Context) (domain.CreditSummary, error) {
	if s := l.snapshot.Load(); s != nil {
		return *s, nil
	}
	return l.Refresh(ctx)
}

// Cached returns the snapshot without touching storage.
func (l *Ledger) Cached() (domain.CreditSummary, bool) {
	s := l.snapshot.Load()
	if s == nil {
		return domain.CreditSummary{}, false
	}
	return *s, true
}

// TotalRecovered is the sum of approved credit.
func (l *Ledger) TotalRecovered(ctx context.Context) (money.Amount, error) {
	s, err := l.Summary(ctx)
	return s.TotalRecovered, err
}

// TotalPending is the sum of estimated credit on pending claims.
func (l *Ledger) TotalPending(ctx context.Context) (money.Amount, error) {
	s, err := l.Summary(ctx)
	return s.TotalPending, err
}

// ApprovedCount is the number of approved claims.
func (l *Ledger) ApprovedCount(ctx context.Context) (int, error) {
	s, err := l.Summary(ctx)
	return s.ApprovedClaimsCount, err
}

// PendingCount is the number of pending claims.
func (l *Ledger) PendingCount(ctx context.Context) (int, error) {
	s, err := l.Summary(ctx)
	return s.PendingClaimsCount, err
}
