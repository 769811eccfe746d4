package outage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/outagewatch/internal/core/domain"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestBook(now *time.Time) *Book {
	var n atomic.Int64
	return NewBook(
		WithClock(func() time.Time { return *now }),
		WithIDGenerator(func() string { return fmt.Sprintf("out-%d", n.Add(1)) }),
	)
}

func sig(count int, first, last time.Time) *Signal {
	return &Signal{ReportCount: count, FirstSeen: first, LastSeen: last, Message: "reports"}
}

// =============================================================================
// Signal Coalescing Tests
// =============================================================================

func TestApplySignalCreatesThenCoalesces(t *testing.T) {
	now := base.Add(time.Hour)
	b := newTestBook(&now)

	o, change := b.ApplySignal("u1", "conn-1", sig(12, base, base.Add(30*time.Minute)), nil)
	if change != ChangeCreated {
		t.Fatalf("first signal: change = %v, want created", change)
	}
	if !o.StartTime.Equal(base) || o.Version != 1 || o.Source != domain.OutageSourceCrowd || !o.IsOngoing() {
		t.Fatalf("unexpected detection %+v", o)
	}

	now = base.Add(2 * time.Hour)
	o2, change := b.ApplySignal("u1", "conn-1", sig(40, base.Add(-10*time.Minute), base.Add(90*time.Minute)), nil)
	if change != ChangeUpdated {
		t.Fatalf("second signal: change = %v, want updated", change)
	}
	if o2.ID != o.ID {
		t.Errorf("coalesced into new detection %s, want %s", o2.ID, o.ID)
	}
	if o2.Version != 2 || o2.CrowdReportCount != 40 || !o2.StartTime.Equal(base.Add(-10*time.Minute)) {
		t.Errorf("unexpected coalesced detection %+v", o2)
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}

	_, change = b.ApplySignal("u1", "conn-1", sig(40, base, base.Add(90*time.Minute)), nil)
	if change != ChangeNone {
		t.Errorf("identical signal: change = %v, want none", change)
	}
}

func TestApplySignalNilClosesCrowdDetection(t *testing.T) {
	now := base.Add(5 * time.Hour)
	b := newTestBook(&now)

	b.ApplySignal("u1", "conn-1", sig(10, base, base.Add(4*time.Hour)), nil)

	o, change := b.ApplySignal("u1", "conn-1", nil, nil)
	if change != ChangeClosed {
		t.Fatalf("change = %v, want closed", change)
	}
	if o.EndTime == nil || !o.EndTime.Equal(base.Add(4*time.Hour)) {
		t.Fatalf("EndTime = %v, want last seen", o.EndTime)
	}
	if _, ok := b.Active("conn-1"); !ok {
		t.Error("closed detection must stay until resolved")
	}

	if _, change := b.ApplySignal("u1", "conn-1", nil, nil); change != ChangeNone {
		t.Errorf("second nil: change = %v, want none", change)
	}

	o, change = b.ApplySignal("u1", "conn-1", sig(10, base, base.Add(6*time.Hour)), nil)
	if change != ChangeUpdated || !o.IsOngoing() {
		t.Errorf("returning signal should reopen: change=%v ongoing=%v", change, o.IsOngoing())
	}
}

func TestApplySignalNilLeavesManualAlone(t *testing.T) {
	now := base.Add(time.Hour)
	b := newTestBook(&now)

	if _, _, err := b.Report("u1", "conn-1", base, nil, "router dead"); err != nil {
		t.Fatal(err)
	}
	if _, change := b.ApplySignal("u1", "conn-1", nil, nil); change != ChangeNone {
		t.Errorf("change = %v, want none", change)
	}
}

func TestApplySignalRespectsCancellation(t *testing.T) {
	now := base
	b := newTestBook(&now)

	_, change := b.ApplySignal("u1", "conn-1", sig(10, base, base), func() bool { return false })
	if change != ChangeNone || b.Len() != 0 {
		t.Errorf("cancelled poll applied: change=%v len=%d", change, b.Len())
	}
}

func TestConcurrentSignalsNeverDuplicate(t *testing.T) {
	now := base
	b := NewBook(WithClock(func() time.Time { return now }))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.ApplySignal("u1", "conn-1", sig(10+i, base, base.Add(time.Duration(i)*time.Minute)), nil)
		}(i)
	}
	wg.Wait()

	if got := len(b.List("u1")); got != 1 {
		t.Fatalf("detections = %d, want 1", got)
	}
	o, _ := b.Active("conn-1")
	if o.CrowdReportCount != 59 {
		t.Errorf("CrowdReportCount = %d, want 59", o.CrowdReportCount)
	}
}

// =============================================================================
// Resolution Tests
// =============================================================================

func TestResolveMovesWatermark(t *testing.T) {
	now := base.Add(5 * time.Hour)
	b := newTestBook(&now)

	o, _ := b.ApplySignal("u1", "conn-1", sig(10, base, base.Add(4*time.Hour)), nil)
	b.ApplySignal("u1", "conn-1", nil, nil)

	if _, err := b.Resolve("u1", o.ID, 0, now, nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("Len() = %d after resolve", b.Len())
	}
	if wm := b.Watermark("conn-1"); !wm.Equal(base.Add(4 * time.Hour)) {
		t.Errorf("Watermark = %v, want outage end", wm)
	}

	// The same outage reported again is not re-detected.
	if _, change := b.ApplySignal("u1", "conn-1", sig(10, base, base.Add(4*time.Hour)), nil); change != ChangeNone {
		t.Errorf("stale signal: change = %v, want none", change)
	}

	// A later outage starts no earlier than the watermark.
	o2, change := b.ApplySignal("u1", "conn-1", sig(10, base, base.Add(5*time.Hour)), nil)
	if change != ChangeCreated {
		t.Fatalf("new signal: change = %v, want created", change)
	}
	if !o2.StartTime.Equal(base.Add(4 * time.Hour)) {
		t.Errorf("StartTime = %v, want watermark", o2.StartTime)
	}
}

func TestResolveOngoingUsesAt(t *testing.T) {
	now := base.Add(time.Hour)
	b := newTestBook(&now)

	o, _ := b.ApplySignal("u1", "conn-1", sig(10, base, base.Add(30*time.Minute)), nil)
	if _, err := b.Resolve("u1", o.ID, 0, now, nil); err != nil {
		t.Fatal(err)
	}
	if wm := b.Watermark("conn-1"); !wm.Equal(now) {
		t.Errorf("Watermark = %v, want %v", wm, now)
	}
}

func TestResolveFailureKeepsDetection(t *testing.T) {
	now := base.Add(time.Hour)
	b := newTestBook(&now)
	o, _ := b.ApplySignal("u1", "conn-1", sig(10, base, base.Add(30*time.Minute)), nil)

	boom := errors.New("boom")
	if _, err := b.Resolve("u1", o.ID, 0, now, func(domain.DetectedOutage) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, ok := b.Active("conn-1"); !ok {
		t.Error("detection removed although fn failed")
	}
	if !b.Watermark("conn-1").IsZero() {
		t.Error("watermark moved although fn failed")
	}
}

func TestResolveVersionAndOwnership(t *testing.T) {
	now := base.Add(time.Hour)
	b := newTestBook(&now)
	o, _ := b.ApplySignal("u1", "conn-1", sig(10, base, base.Add(30*time.Minute)), nil)
	b.ApplySignal("u1", "conn-1", sig(20, base, base.Add(40*time.Minute)), nil)

	if _, err := b.Resolve("u1", o.ID, o.Version, now, nil); !errors.Is(err, ErrChanged) {
		t.Errorf("stale version: err = %v, want ErrChanged", err)
	}
	if _, err := b.Resolve("u2", o.ID, 0, now, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("other user: err = %v, want ErrNotFound", err)
	}
	if _, err := b.Get("u2", o.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get other user: err = %v, want ErrNotFound", err)
	}
	if _, err := b.Resolve("u1", "missing", 0, now, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing: err = %v, want ErrNotFound", err)
	}
}

// =============================================================================
// Manual Report Tests
// =============================================================================

func TestReportValidation(t *testing.T) {
	now := base.Add(time.Hour)
	b := newTestBook(&now)
	before := base.Add(-time.Hour)
	later := base.Add(2 * time.Hour)

	tests := []struct {
		name  string
		start time.Time
		end   *time.Time
	}{
		{"zero start", time.Time{}, nil},
		{"end before start", base, &before},
		{"start in future", later, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := b.Report("u1", "conn-1", tt.start, tt.end, ""); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestReportCoalescesWithCrowdDetection(t *testing.T) {
	now := base.Add(3 * time.Hour)
	b := newTestBook(&now)

	crowd, _ := b.ApplySignal("u1", "conn-1", sig(10, base.Add(time.Hour), base.Add(2*time.Hour)), nil)

	end := base.Add(150 * time.Minute)
	o, change, err := b.Report("u1", "conn-1", base, &end, "down since nine")
	if err != nil {
		t.Fatal(err)
	}
	if change != ChangeUpdated || o.ID != crowd.ID {
		t.Fatalf("change=%v id=%s, want update of %s", change, o.ID, crowd.ID)
	}
	if !o.StartTime.Equal(base) || o.CrowdMessage != "down since nine" {
		t.Errorf("unexpected detection %+v", o)
	}
}

func TestReportRejectsResolvedWindow(t *testing.T) {
	now := base.Add(5 * time.Hour)
	b := newTestBook(&now)

	end := base.Add(4 * time.Hour)
	o, _, err := b.Report("u1", "conn-1", base, &end, "")
	if err != nil {
		t.Fatal(err)
	}
	if o.Source != domain.OutageSourceManual || o.EndTime == nil {
		t.Fatalf("unexpected detection %+v", o)
	}
	if _, err := b.Resolve("u1", o.ID, 0, now, nil); err != nil {
		t.Fatal(err)
	}

	if _, _, err := b.Report("u1", "conn-1", base, &end, ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestDropConnection(t *testing.T) {
	now := base.Add(time.Hour)
	b := newTestBook(&now)
	b.ApplySignal("u1", "conn-1", sig(10, base, base.Add(30*time.Minute)), nil)
	b.ApplySignal("u1", "conn-2", sig(10, base, base.Add(30*time.Minute)), nil)

	if _, ok := b.DropConnection("conn-1"); !ok {
		t.Fatal("expected a dropped detection")
	}
	if _, ok := b.DropConnection("conn-1"); ok {
		t.Error("second drop should find nothing")
	}
	if got := b.List("u1"); len(got) != 1 || got[0].ConnectionID != "conn-2" {
		t.Errorf("List = %+v", got)
	}
}
