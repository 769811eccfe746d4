package control

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vietddude/outagewatch/internal/core/config"
	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/money"
	"github.com/vietddude/outagewatch/internal/events"
	"github.com/vietddude/outagewatch/internal/infra/signal"
)

func newTestApp(t *testing.T, src signal.Source, mutate ...func(*config.AppConfig)) *App {
	t.Helper()

	cfg := config.Default()
	cfg.User.ID = "user-1"
	cfg.Monitor.ReportThreshold = 5
	for _, m := range mutate {
		m(cfg)
	}

	app, err := NewApp(context.Background(), cfg, WithSignalSource(src))
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		app.Stop(ctx)
	})
	return app
}

// =============================================================================
// Wiring
// =============================================================================

func TestApp_Lifecycle(t *testing.T) {
	app := newTestApp(t, signal.NewStaticSource(), func(c *config.AppConfig) {
		c.Server.Port = 0
		c.Monitor.PollInterval = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !app.monitor.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !app.monitor.IsRunning() {
		t.Fatal("monitor did not start")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestApp_SQLiteStore(t *testing.T) {
	app := newTestApp(t, signal.NewStaticSource(), func(c *config.AppConfig) {
		c.Database.Driver = "sqlite"
		c.Database.URL = "file:" + filepath.Join(t.TempDir(), "outagewatch.db")
		c.Database.AutoMigrate = true
	})
	if app.db == nil {
		t.Fatal("expected SQL store")
	}

	conn, err := app.Engine().AddConnection(context.Background(), "comcast", "48201")
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	got, err := app.Engine().GetConnection(context.Background(), conn.ID)
	if err != nil || got.ProviderName != "Comcast" {
		t.Errorf("GetConnection = %+v, %v", got, err)
	}
}

func TestApp_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.AppConfig)
	}{
		{"bad provider category", func(c *config.AppConfig) {
			c.Providers[0].Category = "carrier-pigeon"
		}},
		{"missing policy file", func(c *config.AppConfig) {
			c.Policies.Path = filepath.Join(t.TempDir(), "missing.cue")
		}},
		{"unsupported driver", func(c *config.AppConfig) {
			c.Database.Driver = "oracle"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			if _, err := NewApp(context.Background(), cfg, WithSignalSource(signal.NewStaticSource())); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestApp_StaticFixtures(t *testing.T) {
	cfg := config.Default()
	cfg.Monitor.ReportThreshold = 5
	cfg.Signal.Fixtures = []config.SignalFixture{
		{ProviderID: "Comcast", ZipCode: "48201", ReportCount: 40, StartedAgo: 3 * time.Hour, Message: "fiber cut"},
	}

	app, err := NewApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	defer app.Stop(context.Background())

	ctx := context.Background()
	conn, err := app.Engine().AddConnection(ctx, "comcast", "48201")
	if err != nil {
		t.Fatal(err)
	}
	res, err := app.Engine().PollNow(ctx, conn.ID)
	if err != nil {
		t.Fatalf("PollNow: %v", err)
	}
	if res.Outage == nil || res.Outage.CrowdMessage != "fiber cut" {
		t.Errorf("unexpected poll result: %+v", res)
	}
}

// =============================================================================
// Engine flows
// =============================================================================

func TestEngine_DetectConfirmApprove(t *testing.T) {
	src := signal.NewStaticSource()
	app := newTestApp(t, src)
	eng := app.Engine()
	ctx := context.Background()

	sub, cancel := eng.Subscribe(events.All)
	defer cancel()

	conn, err := eng.AddConnection(ctx, "comcast", "48201")
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	now := time.Now()
	src.Set(signal.Report{
		ProviderID:  "comcast",
		ZipCode:     "48201",
		ReportCount: 120,
		FirstSeen:   now.Add(-4 * time.Hour),
		LastSeen:    now.Add(-time.Minute),
	})

	res, err := eng.PollNow(ctx, conn.ID)
	if err != nil {
		t.Fatalf("PollNow: %v", err)
	}
	if res.Outage == nil {
		t.Fatalf("expected a detection, got %+v", res)
	}

	outages, _ := eng.ListDetectedOutages(ctx)
	if len(outages) != 1 {
		t.Fatalf("expected 1 detected outage, got %d", len(outages))
	}

	elig, err := eng.CheckEligibility(ctx, res.Outage.ID)
	if err != nil || !elig.IsEligible {
		t.Fatalf("CheckEligibility = %+v, %v", elig, err)
	}
	if elig.EstimatedCredit != money.MustParse("2.97") {
		t.Errorf("estimate = %s", elig.EstimatedCredit)
	}

	claim, err := eng.ConfirmOutage(ctx, res.Outage.ID)
	if err != nil {
		t.Fatalf("ConfirmOutage: %v", err)
	}
	if claim.Status != domain.ClaimScriptReady || claim.Script == nil {
		t.Fatalf("claim = %+v", claim)
	}

	if _, err := eng.MarkSubmitted(ctx, claim.ID); err != nil {
		t.Fatalf("MarkSubmitted: %v", err)
	}
	approved, err := eng.MarkApproved(ctx, claim.ID, "3.00")
	if err != nil {
		t.Fatalf("MarkApproved: %v", err)
	}
	if approved.ActualCredit == nil || *approved.ActualCredit != money.MustParse("3.00") {
		t.Errorf("actual credit = %v", approved.ActualCredit)
	}

	summary, err := eng.GetCreditSummary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalRecovered != money.MustParse("3.00") || summary.PendingClaimsCount != 0 {
		t.Errorf("summary = %+v", summary)
	}

	history, err := eng.ClaimHistory(ctx, claim.ID)
	if err != nil || len(history) != 4 {
		t.Errorf("history = %+v, %v", history, err)
	}

	conn, _ = eng.GetConnection(ctx, conn.ID)
	if conn.ClaimsCount != 1 || conn.TotalClaimed != money.MustParse("3.00") {
		t.Errorf("connection totals = %d / %s", conn.ClaimsCount, conn.TotalClaimed)
	}

	seen := map[events.Type]bool{}
	drain := time.After(time.Second)
	for !seen[events.SummaryUpdated] || !seen[events.OutageDetected] {
		select {
		case e := <-sub:
			seen[e.Type] = true
		case <-drain:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
}

func TestEngine_ShortOutageIsIneligible(t *testing.T) {
	app := newTestApp(t, signal.NewStaticSource())
	eng := app.Engine()
	ctx := context.Background()

	conn, err := eng.AddConnection(ctx, "comcast", "48201")
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now().Add(-2 * time.Hour)
	end := start.Add(30 * time.Minute)
	o, err := eng.ReportOutage(ctx, conn.ID, start, &end, "")
	if err != nil {
		t.Fatalf("ReportOutage: %v", err)
	}

	elig, err := eng.CheckEligibility(ctx, o.ID)
	if err != nil || elig.IsEligible || elig.Reason == "" {
		t.Errorf("eligibility = %+v, %v", elig, err)
	}

	if _, err := eng.ConfirmOutage(ctx, o.ID); !errors.Is(err, domain.ErrIneligible) {
		t.Fatalf("expected ineligible, got %v", err)
	}
	if claims, _ := eng.ListClaims(ctx, domain.ClaimFilter{}); len(claims) != 0 {
		t.Errorf("ineligible confirm created %d claims", len(claims))
	}

	if _, err := eng.DismissOutage(ctx, o.ID); err != nil {
		t.Fatalf("DismissOutage: %v", err)
	}
	if outages, _ := eng.ListDetectedOutages(ctx); len(outages) != 0 {
		t.Errorf("expected no detections, got %d", len(outages))
	}
}

func TestEngine_RemoveConnectionDropsDetection(t *testing.T) {
	app := newTestApp(t, signal.NewStaticSource())
	eng := app.Engine()
	ctx := context.Background()

	conn, _ := eng.AddConnection(ctx, "spectrum", "10001")
	if _, err := eng.ReportOutage(ctx, conn.ID, time.Now().Add(-3*time.Hour), nil, "down"); err != nil {
		t.Fatal(err)
	}

	if err := eng.RemoveConnection(ctx, conn.ID); err != nil {
		t.Fatalf("RemoveConnection: %v", err)
	}
	if outages, _ := eng.ListDetectedOutages(ctx); len(outages) != 0 {
		t.Errorf("detection of removed connection survived: %+v", outages)
	}
	if _, err := eng.GetConnection(ctx, conn.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestEngine_ToggleAndDuplicate(t *testing.T) {
	app := newTestApp(t, signal.NewStaticSource())
	eng := app.Engine()
	ctx := context.Background()

	conn, _ := eng.AddConnection(ctx, "comcast", "48201")
	if _, err := eng.AddConnection(ctx, " COMCAST ", "48201"); !errors.Is(err, domain.ErrDuplicateConnection) {
		t.Errorf("expected duplicate, got %v", err)
	}

	toggled, err := eng.ToggleMonitoring(ctx, conn.ID)
	if err != nil || toggled.IsMonitoring {
		t.Errorf("toggle = %+v, %v", toggled, err)
	}
	if _, err := eng.PollNow(ctx, conn.ID); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("poll of unmonitored connection: %v", err)
	}

	if len(eng.Providers()) == 0 {
		t.Error("expected providers")
	}
}

func TestEngine_SignalOutage(t *testing.T) {
	src := signal.NewStaticSource()
	app := newTestApp(t, src)
	eng := app.Engine()
	ctx := context.Background()

	conn, _ := eng.AddConnection(ctx, "comcast", "48201")
	src.Fail(errors.New("connection reset"))

	if _, err := eng.PollNow(ctx, conn.ID); !errors.Is(err, domain.ErrSignalSourceUnavailable) {
		t.Fatalf("expected signal unavailable, got %v", err)
	}
	if st := app.monitor.Status()[conn.ID]; st.ConsecutiveFailures != 1 {
		t.Errorf("failures = %d", st.ConsecutiveFailures)
	}
}
