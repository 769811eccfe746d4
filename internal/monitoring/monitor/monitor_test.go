package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/outage"
	"github.com/vietddude/outagewatch/internal/events"
	"github.com/vietddude/outagewatch/internal/infra/signal"
)

const user = "user-1"

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// =============================================================================
// Fakes
// =============================================================================

type fakeConns struct {
	mu    sync.Mutex
	conns []*domain.Connection
	err   error
}

func (f *fakeConns) Monitoring(ctx context.Context, userID string) ([]*domain.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*domain.Connection
	for _, c := range f.conns {
		if c.UserID == userID && c.IsMonitoring {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (f *fakeConns) Get(ctx context.Context, userID, id string) (*domain.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if c.UserID == userID && c.ID == id {
			return c.Clone(), nil
		}
	}
	return nil, domain.NotFound("connection", id)
}

// fixedSource answers every query with the same report.
type fixedSource struct {
	report *signal.Report
}

func (fixedSource) Name() string { return "fixed" }

func (s fixedSource) Query(ctx context.Context, providerID, zip string) (*signal.Report, error) {
	return s.report, nil
}

type fakeGuard struct {
	ok       bool
	err      error
	released atomic.Int32
}

func (g *fakeGuard) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	if g.err != nil || !g.ok {
		return nil, false, g.err
	}
	return func() { g.released.Add(1) }, true, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	mon    *Monitor
	source *signal.StaticSource
	conns  *fakeConns
	book   *outage.Book
	rec    *recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		source: signal.NewStaticSource(),
		conns: &fakeConns{conns: []*domain.Connection{
			{ID: "conn-1", UserID: user, ProviderID: "comcast", ZipCode: "48201", IsMonitoring: true},
			{ID: "conn-2", UserID: user, ProviderID: "dte", ZipCode: "48201", IsMonitoring: true},
			{ID: "conn-3", UserID: user, ProviderID: "spectrum", ZipCode: "10001", IsMonitoring: false},
		}},
		book: outage.NewBook(outage.WithClock(func() time.Time { return base.Add(time.Hour) })),
		rec:  &recorder{},
	}
	opts = append([]Option{WithClock(func() time.Time { return base.Add(time.Hour) })}, opts...)
	f.mon = New(Config{UserID: user, ReportThreshold: 5, PollTimeout: time.Second}, f.source, f.conns, f.book, f.rec, opts...)
	return f
}

func report(provider string, count int, last time.Time) signal.Report {
	return signal.Report{ProviderID: provider, ZipCode: "48201", ReportCount: count, FirstSeen: base, LastSeen: last}
}

// =============================================================================
// Config Tests
// =============================================================================

func TestConfigInterval(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{"zero uses floor", Config{}, 15 * time.Second},
		{"below minimum", Config{PollInterval: 20 * time.Second, MinPollInterval: time.Minute}, time.Minute},
		{"above minimum", Config{PollInterval: 5 * time.Minute, MinPollInterval: time.Minute}, 5 * time.Minute},
		{"minimum below floor", Config{PollInterval: time.Second, MinPollInterval: time.Second}, 15 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Interval(); got != tt.want {
				t.Errorf("Interval() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Poll Tests
// =============================================================================

func TestPollLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.source.Set(report("comcast", 10, base.Add(10*time.Minute)))
	res, err := f.mon.PollNow(ctx, "conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Change != "created" || res.Outage == nil || res.Outage.CrowdReportCount != 10 {
		t.Fatalf("first poll = %+v", res)
	}

	f.source.Set(report("comcast", 30, base.Add(40*time.Minute)))
	res, _ = f.mon.PollNow(ctx, "conn-1")
	if res.Change != "updated" || res.Outage.CrowdReportCount != 30 || res.Outage.Version != 2 {
		t.Fatalf("second poll = %+v", res)
	}

	res, _ = f.mon.PollNow(ctx, "conn-1")
	if res.Change != "none" || res.Outage == nil {
		t.Errorf("unchanged poll = %+v", res)
	}

	f.source.Clear("comcast", "48201")
	res, _ = f.mon.PollNow(ctx, "conn-1")
	if res.Change != "closed" || res.Outage.EndTime == nil || !res.Outage.EndTime.Equal(base.Add(40*time.Minute)) {
		t.Fatalf("cleared poll = %+v", res)
	}

	want := []events.Type{events.OutageDetected, events.OutageUpdated, events.OutageClosed}
	got := f.rec.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if st := f.mon.Status()["conn-1"]; st.ConsecutiveFailures != 0 || st.LastSuccess.IsZero() {
		t.Errorf("status = %+v", st)
	}
}

func TestPollIgnoresWeakOrForeignSignals(t *testing.T) {
	tests := []struct {
		name   string
		report signal.Report
	}{
		{"below threshold", report("comcast", 4, base)},
		{"other provider", report("spectrum", 50, base)},
		{"other zip", signal.Report{ProviderID: "comcast", ZipCode: "90210", ReportCount: 50, LastSeen: base}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.report
			book := outage.NewBook()
			mon := New(Config{UserID: user, ReportThreshold: 5}, fixedSource{report: &r}, &fakeConns{conns: []*domain.Connection{
				{ID: "conn-1", UserID: user, ProviderID: "comcast", ZipCode: "48201", IsMonitoring: true},
			}}, book, nil)

			res, err := mon.PollNow(context.Background(), "conn-1")
			if err != nil {
				t.Fatal(err)
			}
			if res.Change != "none" || book.Len() != 0 {
				t.Errorf("poll = %+v, book len %d", res, book.Len())
			}
		})
	}
}

func TestPollFailureKeepsLastState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.source.Set(report("comcast", 10, base.Add(10*time.Minute)))
	if _, err := f.mon.PollNow(ctx, "conn-1"); err != nil {
		t.Fatal(err)
	}

	f.source.Fail(errors.New("connection reset"))
	_, err := f.mon.PollNow(ctx, "conn-1")
	if !errors.Is(err, domain.ErrSignalSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSignalSourceUnavailable", err)
	}
	o, ok := f.book.Active("conn-1")
	if !ok || !o.IsOngoing() {
		t.Errorf("detection changed by failed poll: %+v", o)
	}
	st := f.mon.Status()["conn-1"]
	if st.ConsecutiveFailures != 1 || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}

	f.source.Fail(nil)
	if _, err := f.mon.PollNow(ctx, "conn-1"); err != nil {
		t.Fatal(err)
	}
	if st := f.mon.Status()["conn-1"]; st.ConsecutiveFailures != 0 {
		t.Errorf("failures not reset: %+v", st)
	}
}

func TestUnwrappedSourceErrorIsClassified(t *testing.T) {
	f := newFixture(t)
	f.source.Hook = func(ctx context.Context, providerID, zip string) error {
		return errors.New("dial tcp: connection refused")
	}
	_, err := f.mon.PollNow(context.Background(), "conn-1")
	if !errors.Is(err, domain.ErrSignalSourceUnavailable) || !domain.IsRetryable(err) {
		t.Errorf("err = %v, want retryable ErrSignalSourceUnavailable", err)
	}
}

func TestRetryAfterBacksOff(t *testing.T) {
	f := newFixture(t)
	f.source.Hook = func(ctx context.Context, providerID, zip string) error {
		if providerID == "comcast" {
			return &signal.Error{Source: "static", Kind: signal.KindRateLimited, RetryAfter: time.Minute, Err: errors.New("429")}
		}
		return nil
	}

	f.mon.Cycle(context.Background())
	if st := f.mon.Status()["conn-1"]; !st.BackoffUntil.Equal(base.Add(time.Hour + time.Minute)) {
		t.Fatalf("BackoffUntil = %v", st.BackoffUntil)
	}
	before := f.source.Queries()

	f.mon.Cycle(context.Background())
	if got := f.source.Queries() - before; got != 1 {
		t.Errorf("queries in back-off cycle = %d, want 1 (conn-2 only)", got)
	}
}

func TestCycleListFailure(t *testing.T) {
	f := newFixture(t)
	f.conns.err = errors.New("db down")
	f.mon.Cycle(context.Background())
	if f.source.Queries() != 0 {
		t.Errorf("queries = %d, want 0", f.source.Queries())
	}
}

func TestCyclePollsMonitoredOnly(t *testing.T) {
	f := newFixture(t)
	f.source.Set(report("comcast", 10, base))
	f.source.Set(report("dte", 10, base))

	f.mon.Cycle(context.Background())
	if f.source.Queries() != 2 {
		t.Errorf("queries = %d, want 2", f.source.Queries())
	}
	if got := len(f.book.List(user)); got != 2 {
		t.Errorf("detections = %d, want 2", got)
	}
}

// =============================================================================
// Guard & Cancellation Tests
// =============================================================================

func TestConcurrentPollsNeverDuplicate(t *testing.T) {
	f := newFixture(t)
	f.source.Set(report("comcast", 10, base))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.source.Hook = func(ctx context.Context, providerID, zip string) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}

	done := make(chan PollResult)
	go func() {
		res, _ := f.mon.PollNow(context.Background(), "conn-1")
		done <- res
	}()
	<-entered

	var skipped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.mon.PollNow(context.Background(), "conn-1")
			if err == nil && res.Skipped {
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)
	first := <-done

	if skipped.Load() != 10 {
		t.Errorf("skipped = %d, want 10", skipped.Load())
	}
	if first.Change != "created" {
		t.Errorf("first poll = %+v", first)
	}
	if got := len(f.book.List(user)); got != 1 {
		t.Errorf("detections = %d, want 1", got)
	}
}

func TestCancelConnectionDiscardsResult(t *testing.T) {
	f := newFixture(t)
	f.source.Set(report("comcast", 10, base))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.source.Hook = func(ctx context.Context, providerID, zip string) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan PollResult)
	go func() {
		res, _ := f.mon.PollNow(context.Background(), "conn-1")
		done <- res
	}()
	<-entered
	f.mon.CancelConnection("conn-1")
	close(release)

	res := <-done
	if !res.Cancelled {
		t.Errorf("poll = %+v, want cancelled", res)
	}
	if f.book.Len() != 0 {
		t.Error("cancelled poll applied its result")
	}
}

func TestPollNowRejectsUnmonitored(t *testing.T) {
	f := newFixture(t)
	f.source.Set(signal.Report{ProviderID: "spectrum", ZipCode: "10001", ReportCount: 50, FirstSeen: base, LastSeen: base})

	if _, err := f.mon.PollNow(context.Background(), "conn-3"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.book.Len() != 0 {
		t.Error("detection created for unmonitored connection")
	}
	if f.source.Queries() != 0 {
		t.Errorf("queries = %d, want 0", f.source.Queries())
	}
}

// togglingConns turns monitoring off right after the cycle has listed
// connections, before any poll goroutine is tracked.
type togglingConns struct {
	*fakeConns
	afterList func()
}

func (c *togglingConns) Monitoring(ctx context.Context, userID string) ([]*domain.Connection, error) {
	out, err := c.fakeConns.Monitoring(ctx, userID)
	if c.afterList != nil {
		c.afterList()
	}
	return out, err
}

func TestToggleOffBeforePollStartsDiscardsResult(t *testing.T) {
	f := newFixture(t)
	f.source.Set(report("comcast", 10, base))

	conns := &togglingConns{fakeConns: f.conns}
	mon := New(Config{UserID: user, ReportThreshold: 5, PollTimeout: time.Second}, f.source, conns, f.book, f.rec,
		WithClock(func() time.Time { return base.Add(time.Hour) }))
	conns.afterList = func() {
		f.conns.mu.Lock()
		f.conns.conns[0].IsMonitoring = false
		f.conns.mu.Unlock()
		mon.CancelConnection("conn-1")
	}

	mon.Cycle(context.Background())

	if _, ok := f.book.Active("conn-1"); ok {
		t.Error("detection created for connection toggled off")
	}
	for _, typ := range f.rec.types() {
		if typ == events.OutageDetected {
			t.Errorf("unexpected event %s", typ)
		}
	}
}

func TestRemovedBeforePollStartsDiscardsResult(t *testing.T) {
	f := newFixture(t)
	f.source.Set(report("comcast", 10, base))

	conns := &togglingConns{fakeConns: f.conns}
	mon := New(Config{UserID: user, ReportThreshold: 5, PollTimeout: time.Second}, f.source, conns, f.book, f.rec)
	conns.afterList = func() {
		f.conns.mu.Lock()
		f.conns.conns = f.conns.conns[1:]
		f.conns.mu.Unlock()
	}

	mon.Cycle(context.Background())

	if _, ok := f.book.Active("conn-1"); ok {
		t.Error("detection created for removed connection")
	}
	if _, ok := f.book.Active("conn-2"); ok {
		t.Error("conn-2 has no qualifying signal")
	}
}

func TestBusEventsCancelAndForget(t *testing.T) {
	f := newFixture(t)
	bus := events.New()
	defer bus.Close()
	f.mon.Subscribe(bus)

	f.source.Set(report("comcast", 10, base))
	if _, err := f.mon.PollNow(context.Background(), "conn-1"); err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	f.source.Hook = func(ctx context.Context, providerID, zip string) error {
		close(entered)
		<-release
		return nil
	}
	done := make(chan PollResult)
	go func() {
		res, _ := f.mon.PollNow(context.Background(), "conn-1")
		done <- res
	}()
	<-entered

	off := false
	bus.Emit(events.Event{Type: events.ConnectionToggled, ConnectionID: "conn-1", Monitoring: &off})
	close(release)
	if res := <-done; !res.Cancelled {
		t.Errorf("poll = %+v, want cancelled after toggle off", res)
	}

	bus.Emit(events.Event{Type: events.ConnectionRemoved, ConnectionID: "conn-1"})
	if f.book.Len() != 0 {
		t.Error("detection of removed connection kept")
	}
	if _, ok := f.mon.Status()["conn-1"]; ok {
		t.Error("status of removed connection kept")
	}
}

func TestSharedGuard(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		g := &fakeGuard{ok: false}
		f := newFixture(t, WithSharedGuard(g))
		res, err := f.mon.PollNow(context.Background(), "conn-1")
		if err != nil || !res.Skipped {
			t.Errorf("poll = %+v, %v; want skipped", res, err)
		}
		if f.source.Queries() != 0 {
			t.Error("source queried while guard held")
		}
		// the local flag was released
		g.ok = true
		if res, _ := f.mon.PollNow(context.Background(), "conn-1"); res.Skipped {
			t.Error("local guard leaked")
		}
		if g.released.Load() != 1 {
			t.Errorf("shared releases = %d, want 1", g.released.Load())
		}
	})

	t.Run("unavailable fails open", func(t *testing.T) {
		f := newFixture(t, WithSharedGuard(&fakeGuard{err: errors.New("redis down")}))
		res, err := f.mon.PollNow(context.Background(), "conn-1")
		if err != nil || res.Skipped {
			t.Errorf("poll = %+v, %v; want polled", res, err)
		}
	})
}

func TestLocalGuard(t *testing.T) {
	g := NewLocalGuard()
	ctx := context.Background()

	release, ok, _ := g.TryAcquire(ctx, "a")
	if !ok {
		t.Fatal("first acquire failed")
	}
	if _, ok, _ := g.TryAcquire(ctx, "a"); ok {
		t.Error("second acquire succeeded")
	}
	if _, ok, _ := g.TryAcquire(ctx, "b"); !ok {
		t.Error("other key blocked")
	}
	release()
	if _, ok, _ := g.TryAcquire(ctx, "a"); !ok {
		t.Error("acquire after release failed")
	}
}

// =============================================================================
// Loop Tests
// =============================================================================

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	polled := make(chan struct{}, 10)
	f.source.Hook = func(ctx context.Context, providerID, zip string) error {
		polled <- struct{}{}
		return nil
	}

	errc := make(chan error, 1)
	go func() { errc <- f.mon.Start(context.Background()) }()

	select {
	case <-polled:
	case <-time.After(2 * time.Second):
		t.Fatal("no poll after Start")
	}
	if err := f.mon.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start: err = %v, want ErrAlreadyRunning", err)
	}
	if !f.mon.IsRunning() {
		t.Error("IsRunning() = false while running")
	}

	f.mon.Stop()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if f.mon.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestReport(t *testing.T) {
	f := newFixture(t)
	end := base.Add(30 * time.Minute)

	o, err := f.mon.Report(context.Background(), "conn-2", base, &end, "power out")
	if err != nil {
		t.Fatal(err)
	}
	if o.Source != domain.OutageSourceManual || o.CrowdMessage != "power out" {
		t.Errorf("detection = %+v", o)
	}
	if _, err := f.mon.Report(context.Background(), "missing", base, nil, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing connection: err = %v", err)
	}
	if got := f.rec.types(); len(got) != 1 || got[0] != events.OutageDetected {
		t.Errorf("events = %v", got)
	}
}
