package control

import (
	"context"
	"time"

	"github.com/vietddude/outagewatch/internal/core/directory"
	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/eligibility"
	"github.com/vietddude/outagewatch/internal/core/lifecycle"
	"github.com/vietddude/outagewatch/internal/core/outage"
	"github.com/vietddude/outagewatch/internal/core/registry"
	"github.com/vietddude/outagewatch/internal/events"
	"github.com/vietddude/outagewatch/internal/monitoring/monitor"
)

// Engine is the single entry point for a user's connections, outages and
// claims. Every call is scoped to the configured user.
type Engine struct {
	userID    string
	registry  *registry.Registry
	monitor   *monitor.Monitor
	book      *outage.Book
	lifecycle *lifecycle.Manager
	providers *directory.Static
	bus       *events.Bus
}

// EngineDeps are the components an Engine fronts.
type EngineDeps struct {
	UserID    string
	Registry  *registry.Registry
	Monitor   *monitor.Monitor
	Book      *outage.Book
	Lifecycle *lifecycle.Manager
	Providers *directory.Static
	Bus       *events.Bus
}

// NewEngine creates an Engine.
func NewEngine(d EngineDeps) *Engine {
	return &Engine{
		userID:    d.UserID,
		registry:  d.Registry,
		monitor:   d.Monitor,
		book:      d.Book,
		lifecycle: d.Lifecycle,
		providers: d.Providers,
		bus:       d.Bus,
	}
}

// UserID returns the user the engine acts for.
func (e *Engine) UserID() string { return e.userID }

// Providers lists the known providers.
func (e *Engine) Providers() []directory.Provider {
	return e.providers.List()
}

// Connections

func (e *Engine) ListConnections(ctx context.Context) ([]*domain.Connection, error) {
	return e.registry.List(ctx, e.userID)
}

func (e *Engine) GetConnection(ctx context.Context, id string) (*domain.Connection, error) {
	return e.registry.Get(ctx, e.userID, id)
}

func (e *Engine) AddConnection(ctx context.Context, providerID, zip string) (*domain.Connection, error) {
	return e.registry.Add(ctx, e.userID, providerID, zip)
}

// RemoveConnection deletes a connection. In-flight polls are cancelled and its
// pending detection is discarded; claims already made stay.
func (e *Engine) RemoveConnection(ctx context.Context, id string) error {
	return e.registry.Remove(ctx, e.userID, id)
}

func (e *Engine) ToggleMonitoring(ctx context.Context, id string) (*domain.Connection, error) {
	return e.registry.ToggleMonitoring(ctx, e.userID, id)
}

// Outages

func (e *Engine) ListDetectedOutages(ctx context.Context) ([]domain.DetectedOutage, error) {
	return e.book.List(e.userID), nil
}

func (e *Engine) GetOutage(ctx context.Context, id string) (domain.DetectedOutage, error) {
	return e.book.Get(e.userID, id)
}

// ReportOutage records an outage the user noticed themselves.
func (e *Engine) ReportOutage(ctx context.Context, connID string, start time.Time, end *time.Time, note string) (domain.DetectedOutage, error) {
	return e.monitor.Report(ctx, connID, start, end, note)
}

// PollNow queries the signal for one connection immediately.
func (e *Engine) PollNow(ctx context.Context, connID string) (monitor.PollResult, error) {
	return e.monitor.PollNow(ctx, connID)
}

func (e *Engine) CheckEligibility(ctx context.Context, outageID string) (eligibility.Result, error) {
	return e.lifecycle.CheckEligibility(ctx, e.userID, outageID)
}

func (e *Engine) ConfirmOutage(ctx context.Context, outageID string) (*domain.Claim, error) {
	return e.lifecycle.ConfirmOutage(ctx, e.userID, outageID)
}

func (e *Engine) DismissOutage(ctx context.Context, outageID string) (domain.DetectedOutage, error) {
	return e.lifecycle.DismissOutage(ctx, e.userID, outageID)
}

// Claims

func (e *Engine) GetClaim(ctx context.Context, id string) (*domain.Claim, error) {
	return e.lifecycle.Get(ctx, e.userID, id)
}

func (e *Engine) ListClaims(ctx context.Context, filter domain.ClaimFilter) ([]*domain.Claim, error) {
	return e.lifecycle.List(ctx, e.userID, filter)
}

func (e *Engine) ClaimHistory(ctx context.Context, id string) ([]domain.ClaimTransition, error) {
	return e.lifecycle.History(ctx, e.userID, id)
}

func (e *Engine) GenerateScript(ctx context.Context, id string) (*domain.Claim, error) {
	return e.lifecycle.GenerateScript(ctx, e.userID, id)
}

func (e *Engine) DismissClaim(ctx context.Context, id, reason string) (*domain.Claim, error) {
	return e.lifecycle.DismissClaim(ctx, e.userID, id, reason)
}

func (e *Engine) MarkSubmitted(ctx context.Context, id string) (*domain.Claim, error) {
	return e.lifecycle.MarkSubmitted(ctx, e.userID, id)
}

func (e *Engine) MarkApproved(ctx context.Context, id, amount string) (*domain.Claim, error) {
	return e.lifecycle.MarkApproved(ctx, e.userID, id, amount)
}

func (e *Engine) MarkDenied(ctx context.Context, id, reason string) (*domain.Claim, error) {
	return e.lifecycle.MarkDenied(ctx, e.userID, id, reason)
}

func (e *Engine) GetCreditSummary(ctx context.Context) (domain.CreditSummary, error) {
	return e.lifecycle.Summary(ctx)
}

// Subscribe streams engine events of type t (events.All for everything)
// until cancel is called.
func (e *Engine) Subscribe(t events.Type) (<-chan events.Event, func()) {
	return e.bus.Subscribe(t)
}
