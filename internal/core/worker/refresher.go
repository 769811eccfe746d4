package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/ledger"
	"github.com/vietddude/outagewatch/internal/events"
)

// Refresher recomputes the credit summary on an interval so claims written by
// another process sharing the store reach the gauges and the event stream.
type Refresher struct {
	ledger   *ledger.Ledger
	events   events.Emitter
	userID   string
	interval time.Duration
	logger   *slog.Logger

	last    domain.CreditSummary
	hasLast bool
}

// NewRefresher creates a new Refresher worker.
func NewRefresher(l *ledger.Ledger, emitter events.Emitter, userID string, interval time.Duration) *Refresher {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Refresher{
		ledger:   l,
		events:   emitter,
		userID:   userID,
		interval: interval,
		logger:   slog.Default().With("component", "refresher"),
	}
}

// Start runs the refresh loop.
func (r *Refresher) Start(ctx context.Context) {
	if r.interval <= 0 {
		return // Refresh disabled
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Initial refresh
	r.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// Refresh recomputes the summary once. It reports whether the totals moved
// since the previous run.
func (r *Refresher) Refresh(ctx context.Context) bool {
	r.ledger.Invalidate()
	s, err := r.ledger.Refresh(ctx)
	if err != nil {
		r.logger.Error("Failed to refresh credit summary", "error", err)
		return false
	}

	changed := !r.hasLast || !sameTotals(r.last, s)
	r.last, r.hasLast = s, true
	if !changed {
		return false
	}

	r.logger.Debug("Credit summary refreshed",
		"recovered", s.TotalRecovered, "pending", s.TotalPending)
	r.events.Emit(events.Event{Type: events.SummaryUpdated, UserID: r.userID, Summary: &s, At: s.ComputedAt})
	return true
}

func sameTotals(a, b domain.CreditSummary) bool {
	return a.TotalRecovered == b.TotalRecovered &&
		a.TotalPending == b.TotalPending &&
		a.ApprovedClaimsCount == b.ApprovedClaimsCount &&
		a.PendingClaimsCount == b.PendingClaimsCount
}
