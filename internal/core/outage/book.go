// Package outage keeps the book of detected outages awaiting the user.
//
// The book holds at most one active detection per connection. Poll results and
// manual reports coalesce into it, and confirming or dismissing it removes it
// and moves the connection's resolution watermark forward.
package outage

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/monitoring/metrics"
)

// ErrChanged is returned by Resolve when the detection moved on since it was read.
var ErrChanged = errors.New("detection changed")

// Change describes what a book operation did.
type Change int

const (
	ChangeNone Change = iota
	ChangeCreated
	ChangeUpdated
	ChangeClosed
	ChangeResolved
)

func (c Change) String() string {
	switch c {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeClosed:
		return "closed"
	case ChangeResolved:
		return "resolved"
	default:
		return "none"
	}
}

// Signal is a qualifying crowd signal for one connection.
type Signal struct {
	ReportCount int
	FirstSeen   time.Time
	LastSeen    time.Time
	Message     string
}

// Book is safe for concurrent use.
type Book struct {
	mu        sync.Mutex
	byID      map[string]*domain.DetectedOutage
	active    map[string]string    // connection ID -> outage ID
	watermark map[string]time.Time // connection ID -> end of last resolved detection

	now   func() time.Time
	newID func() string
}

// Option configures a Book.
type Option func(*Book)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// WithIDGenerator overrides outage ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(b *Book) { b.newID = gen }
}

// NewBook creates an empty book.
func NewBook(opts ...Option) *Book {
	b := &Book{
		byID:      make(map[string]*domain.DetectedOutage),
		active:    make(map[string]string),
		watermark: make(map[string]time.Time),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ApplySignal merges one poll result for a connection. A nil signal means the
// source no longer reports an outage, which closes an open crowd detection at
// its last seen time. live is checked under the book lock; when it reports
// false the result is dropped so a cancelled poll never half-applies.
func (b *Book) ApplySignal(userID, connID string, sig *Signal, live func() bool) (domain.DetectedOutage, Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if live != nil && !live() {
		return domain.DetectedOutage{}, ChangeNone
	}

	cur := b.activeLocked(connID)
	now := b.now()

	if sig == nil {
		if cur == nil || cur.Source != domain.OutageSourceCrowd || cur.EndTime != nil {
			return domain.DetectedOutage{}, ChangeNone
		}
		end := cur.LastSeen
		cur.EndTime = &end
		b.touch(cur, now)
		return b.record(cur, ChangeClosed)
	}

	wm := b.watermark[connID]
	if !wm.IsZero() && !sig.LastSeen.After(wm) {
		return domain.DetectedOutage{}, ChangeNone
	}

	start := sig.FirstSeen
	if start.IsZero() || start.After(sig.LastSeen) {
		start = sig.LastSeen
	}
	if start.Before(wm) {
		start = wm
	}

	if cur == nil {
		o := &domain.DetectedOutage{
			ID:               b.newID(),
			UserID:           userID,
			ConnectionID:     connID,
			StartTime:        start,
			LastSeen:         sig.LastSeen,
			CrowdReportCount: sig.ReportCount,
			CrowdMessage:     sig.Message,
			Source:           domain.OutageSourceCrowd,
			Version:          1,
			DetectedAt:       now,
			UpdatedAt:        now,
		}
		b.byID[o.ID] = o
		b.active[connID] = o.ID
		return b.record(o, ChangeCreated)
	}

	changed := false
	if start.Before(cur.StartTime) {
		cur.StartTime = start
		changed = true
	}
	if sig.LastSeen.After(cur.LastSeen) {
		cur.LastSeen = sig.LastSeen
		changed = true
	}
	if cur.EndTime != nil && sig.LastSeen.After(*cur.EndTime) {
		cur.EndTime = nil
		changed = true
	}
	if sig.ReportCount > cur.CrowdReportCount {
		cur.CrowdReportCount = sig.ReportCount
		changed = true
	}
	if sig.Message != "" && sig.Message != cur.CrowdMessage {
		cur.CrowdMessage = sig.Message
		changed = true
	}
	if !changed {
		return cur.Clone(), ChangeNone
	}
	b.touch(cur, now)
	return b.record(cur, ChangeUpdated)
}

// Report records a user-reported outage window. A nil end means ongoing. The
// report coalesces into the connection's active detection when there is one.
func (b *Book) Report(userID, connID string, start time.Time, end *time.Time, note string) (domain.DetectedOutage, Change, error) {
	if start.IsZero() {
		return domain.DetectedOutage{}, ChangeNone, &domain.ValidationError{Field: "start_time", Message: "required"}
	}
	if end != nil && end.Before(start) {
		return domain.DetectedOutage{}, ChangeNone, &domain.ValidationError{Field: "end_time", Message: "before start_time"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if start.After(now) {
		return domain.DetectedOutage{}, ChangeNone, &domain.ValidationError{Field: "start_time", Message: "in the future"}
	}

	wm := b.watermark[connID]
	if end != nil && !wm.IsZero() && !end.After(wm) {
		return domain.DetectedOutage{}, ChangeNone, &domain.ValidationError{Field: "end_time", Message: "window already resolved"}
	}
	if start.Before(wm) {
		start = wm
	}

	lastSeen := now
	if end != nil {
		lastSeen = *end
	}

	cur := b.activeLocked(connID)
	if cur == nil {
		o := &domain.DetectedOutage{
			ID:           b.newID(),
			UserID:       userID,
			ConnectionID: connID,
			StartTime:    start,
			LastSeen:     lastSeen,
			CrowdMessage: note,
			Source:       domain.OutageSourceManual,
			Version:      1,
			DetectedAt:   now,
			UpdatedAt:    now,
		}
		if end != nil {
			e := *end
			o.EndTime = &e
		}
		b.byID[o.ID] = o
		b.active[connID] = o.ID
		o2, change := b.record(o, ChangeCreated)
		return o2, change, nil
	}

	if start.Before(cur.StartTime) {
		cur.StartTime = start
	}
	if lastSeen.After(cur.LastSeen) {
		cur.LastSeen = lastSeen
	}
	switch {
	case end == nil:
		cur.EndTime = nil
	case cur.EndTime != nil && end.After(*cur.EndTime):
		e := *end
		cur.EndTime = &e
	}
	if note != "" {
		cur.CrowdMessage = note
	}
	b.touch(cur, now)
	o, change := b.record(cur, ChangeUpdated)
	return o, change, nil
}

// Get returns a copy of a detection.
func (b *Book) Get(userID, id string) (domain.DetectedOutage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byID[id]
	if !ok || o.UserID != userID {
		return domain.DetectedOutage{}, domain.NotFound("outage", id)
	}
	return o.Clone(), nil
}

// Active returns the active detection of a connection.
func (b *Book) Active(connID string) (domain.DetectedOutage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.activeLocked(connID)
	if o == nil {
		return domain.DetectedOutage{}, false
	}
	return o.Clone(), true
}

// List returns the user's detections, oldest first.
func (b *Book) List(userID string) []domain.DetectedOutage {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.DetectedOutage, 0, len(b.byID))
	for _, o := range b.byID {
		if o.UserID == userID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Resolve removes a detection once fn accepts it. fn runs under the book lock
// with a copy of the detection, so no signal can coalesce into it meanwhile;
// if fn fails the detection stays. A non-zero version must match the
// detection's current version or ErrChanged is returned. The connection's
// watermark moves to the detection's end, or at for an ongoing one.
func (b *Book) Resolve(userID, id string, version int, at time.Time, fn func(domain.DetectedOutage) error) (domain.DetectedOutage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byID[id]
	if !ok || o.UserID != userID {
		return domain.DetectedOutage{}, domain.NotFound("outage", id)
	}
	if version != 0 && o.Version != version {
		return domain.DetectedOutage{}, ErrChanged
	}

	snapshot := o.Clone()
	if fn != nil {
		if err := fn(snapshot); err != nil {
			return domain.DetectedOutage{}, err
		}
	}

	delete(b.byID, id)
	if b.active[o.ConnectionID] == id {
		delete(b.active, o.ConnectionID)
	}
	if end := o.EffectiveEnd(at); end.After(b.watermark[o.ConnectionID]) {
		b.watermark[o.ConnectionID] = end
	}

	metrics.OutagesTotal.WithLabelValues(ChangeResolved.String(), string(o.Source)).Inc()
	metrics.ActiveOutages.Set(float64(len(b.byID)))
	return snapshot, nil
}

// DropConnection forgets everything about a removed connection.
func (b *Book) DropConnection(connID string) (domain.DetectedOutage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.watermark, connID)
	id, ok := b.active[connID]
	if !ok {
		return domain.DetectedOutage{}, false
	}
	o := b.byID[id]
	delete(b.active, connID)
	delete(b.byID, id)
	metrics.ActiveOutages.Set(float64(len(b.byID)))
	return o.Clone(), true
}

// Watermark returns the end of the connection's last resolved detection.
func (b *Book) Watermark(connID string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watermark[connID]
}

// Len returns the number of detections in the book.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}

func (b *Book) activeLocked(connID string) *domain.DetectedOutage {
	id, ok := b.active[connID]
	if !ok {
		return nil
	}
	return b.byID[id]
}

func (b *Book) touch(o *domain.DetectedOutage, now time.Time) {
	o.Version++
	o.UpdatedAt = now
}

func (b *Book) record(o *domain.DetectedOutage, change Change) (domain.DetectedOutage, Change) {
	metrics.OutagesTotal.WithLabelValues(change.String(), string(o.Source)).Inc()
	metrics.ActiveOutages.Set(float64(len(b.byID)))
	return o.Clone(), change
}
