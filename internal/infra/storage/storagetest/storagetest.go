// Package storagetest holds behaviour tests every storage.Store must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/money"
	"github.com/vietddude/outagewatch/internal/infra/storage"
)

const user = "user-1"

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Run executes the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("ConnectionCRUD", func(t *testing.T) { testConnectionCRUD(t, newStore(t)) })
	t.Run("DuplicateConnection", func(t *testing.T) { testDuplicateConnection(t, newStore(t)) })
	t.Run("UserScoping", func(t *testing.T) { testUserScoping(t, newStore(t)) })
	t.Run("ClaimRoundTrip", func(t *testing.T) { testClaimRoundTrip(t, newStore(t)) })
	t.Run("ClaimVersioning", func(t *testing.T) { testClaimVersioning(t, newStore(t)) })
	t.Run("ClaimListFilter", func(t *testing.T) { testClaimListFilter(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, newStore(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, newStore(t)) })
}

// NewConnection builds a connection fixture.
func NewConnection(id, provider, zip string) *domain.Connection {
	return &domain.Connection{
		ID:           id,
		UserID:       user,
		ProviderID:   provider,
		ProviderName: provider,
		Category:     domain.CategoryInternet,
		ZipCode:      zip,
		IsMonitoring: true,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
}

// NewClaim builds a confirmed claim fixture.
func NewClaim(id, connID string) *domain.Claim {
	return &domain.Claim{
		ID:              id,
		UserID:          user,
		ConnectionID:    connID,
		ProviderID:      "comcast",
		ProviderName:    "Comcast",
		Category:        domain.CategoryInternet,
		OutageStart:     base,
		OutageEnd:       base.Add(4 * time.Hour),
		DurationHours:   4,
		Status:          domain.ClaimConfirmed,
		EstimatedCredit: money.MustParse("2.97"),
		CreatedAt:       base,
		UpdatedAt:       base,
	}
}

func testConnectionCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()
	repo := s.Connections()

	for i, zip := range []string{"48201", "48202", "48203"} {
		if err := repo.Create(ctx, NewConnection(fmt.Sprintf("c%d", i), "comcast", zip)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list, err := repo.List(ctx, user)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].ID != "c0" || list[2].ID != "c2" {
		t.Fatalf("List order wrong: %v", ids(list))
	}

	later := base.Add(time.Hour)
	if err := repo.SetMonitoring(ctx, user, "c1", false, later); err != nil {
		t.Fatalf("SetMonitoring: %v", err)
	}
	if err := repo.IncrementClaims(ctx, user, "c1", later); err != nil {
		t.Fatalf("IncrementClaims: %v", err)
	}
	if err := repo.AddClaimed(ctx, user, "c1", money.MustParse("3.00"), later); err != nil {
		t.Fatalf("AddClaimed: %v", err)
	}

	got, err := repo.Get(ctx, user, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IsMonitoring || got.ClaimsCount != 1 || got.TotalClaimed != money.MustParse("3.00") {
		t.Errorf("unexpected connection after updates: %+v", got)
	}
	if !got.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, later)
	}

	found, err := repo.FindByProviderZip(ctx, user, "comcast", "48203")
	if err != nil || found == nil || found.ID != "c2" {
		t.Errorf("FindByProviderZip = %v, %v", found, err)
	}
	none, err := repo.FindByProviderZip(ctx, user, "att", "48203")
	if err != nil || none != nil {
		t.Errorf("FindByProviderZip(miss) = %v, %v", none, err)
	}

	if err := repo.Delete(ctx, user, "c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, user, "c1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := repo.Delete(ctx, user, "c1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func testDuplicateConnection(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.Connections().Create(ctx, NewConnection("a", "comcast", "48201")); err != nil {
		t.Fatal(err)
	}
	err := s.Connections().Create(ctx, NewConnection("b", "comcast", "48201"))
	if !errors.Is(err, domain.ErrDuplicateConnection) {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}
	list, _ := s.Connections().List(ctx, user)
	if len(list) != 1 {
		t.Errorf("duplicate was stored: %v", ids(list))
	}
}

func testUserScoping(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.Connections().Create(ctx, NewConnection("a", "comcast", "48201")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Connections().Get(ctx, "someone-else", "a"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for other user, got %v", err)
	}
	list, _ := s.Connections().List(ctx, "someone-else")
	if len(list) != 0 {
		t.Errorf("other user sees %d connections", len(list))
	}
}

func testClaimRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.Connections().Create(ctx, NewConnection("c1", "comcast", "48201")); err != nil {
		t.Fatalf("Create connection: %v", err)
	}

	// sub-millisecond instants in a non-UTC zone
	est := time.FixedZone("EST", -5*60*60)
	at := func(d time.Duration) time.Time { return base.Add(d + 123456789*time.Nanosecond).In(est) }
	submitted, resolved := at(5*time.Hour), at(30*time.Hour)
	actual := money.MustParse("3.00")

	want := NewClaim("k1", "c1")
	want.OutageStart = at(0)
	want.OutageEnd = at(4*time.Hour + 987*time.Microsecond)
	want.DurationHours = 4.000274
	want.Status = domain.ClaimApproved
	want.ActualCredit = &actual
	want.ProviderResponse = "credited on next bill"
	want.Script = &domain.GeneratedClaimScript{
		Text:         "Hello, I am writing about an outage.",
		SupportURL:   "https://example.invalid/support",
		SupportPhone: "1-800-000-0000",
		Tips:         []string{"first", "second"},
	}
	want.SubmittedAt = &submitted
	want.ResolvedAt = &resolved
	want.CreatedAt = at(time.Minute)
	want.UpdatedAt = at(31 * time.Hour)

	if err := s.Claims().Create(ctx, want.Clone()); err != nil {
		t.Fatalf("Create claim: %v", err)
	}
	got, err := s.Claims().Get(ctx, user, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if got.SubmittedAt == nil || got.ResolvedAt == nil {
		t.Fatalf("lost timestamps: submitted=%v resolved=%v", got.SubmittedAt, got.ResolvedAt)
	}
	type stamp struct {
		name      string
		got, want time.Time
	}
	times := []stamp{
		{"OutageStart", got.OutageStart, want.OutageStart},
		{"OutageEnd", got.OutageEnd, want.OutageEnd},
		{"SubmittedAt", *got.SubmittedAt, submitted},
		{"ResolvedAt", *got.ResolvedAt, resolved},
		{"CreatedAt", got.CreatedAt, want.CreatedAt},
		{"UpdatedAt", got.UpdatedAt, want.UpdatedAt},
	}
	for _, tt := range times {
		if !tt.got.Equal(tt.want) {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if got.ID != want.ID || got.UserID != want.UserID || got.ConnectionID != want.ConnectionID ||
		got.ProviderID != want.ProviderID || got.ProviderName != want.ProviderName || got.Category != want.Category {
		t.Errorf("identity fields = %+v", got)
	}
	if got.DurationHours != want.DurationHours || got.Status != want.Status || got.Version != 1 {
		t.Errorf("duration/status/version = %v %s %d", got.DurationHours, got.Status, got.Version)
	}
	if got.EstimatedCredit != want.EstimatedCredit || got.ActualCredit == nil || *got.ActualCredit != actual {
		t.Errorf("credits = %s / %v", got.EstimatedCredit, got.ActualCredit)
	}
	if got.ProviderResponse != want.ProviderResponse {
		t.Errorf("ProviderResponse = %q", got.ProviderResponse)
	}
	if got.Script == nil || got.Script.Text != want.Script.Text || got.Script.SupportURL != want.Script.SupportURL ||
		got.Script.SupportPhone != want.Script.SupportPhone || !slices.Equal(got.Script.Tips, want.Script.Tips) {
		t.Errorf("Script = %+v", got.Script)
	}
}

func testClaimVersioning(t *testing.T, s storage.Store) {
	ctx := context.Background()
	claim := NewClaim("cl1", "a")
	if err := s.Claims().Create(ctx, claim); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if claim.Version != 1 {
		t.Fatalf("Version after create = %d, want 1", claim.Version)
	}

	stored, err := s.Claims().Get(ctx, user, "cl1")
	if err != nil {
		t.Fatal(err)
	}
	stored.Status = domain.ClaimScriptReady
	stored.Script = &domain.GeneratedClaimScript{Text: "hi", Tips: []string{"one", "two"}}
	if err := s.Claims().Update(ctx, stored, 1); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if stored.Version != 2 {
		t.Errorf("Version after update = %d, want 2", stored.Version)
	}

	stale := NewClaim("cl1", "a")
	stale.Status = domain.ClaimDismissed
	if err := s.Claims().Update(ctx, stale, 1); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, _ := s.Claims().Get(ctx, user, "cl1")
	if got.Status != domain.ClaimScriptReady || got.Script == nil || len(got.Script.Tips) != 2 {
		t.Errorf("stale update leaked: %+v", got)
	}
	if got.EstimatedCredit != money.MustParse("2.97") {
		t.Errorf("EstimatedCredit = %s", got.EstimatedCredit)
	}

	missing := NewClaim("nope", "a")
	if err := s.Claims().Update(ctx, missing, 1); !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("expected not found or conflict for missing claim, got %v", err)
	}
}

func testClaimListFilter(t *testing.T, s storage.Store) {
	ctx := context.Background()
	statuses := []domain.ClaimStatus{domain.ClaimConfirmed, domain.ClaimDismissed, domain.ClaimConfirmed}
	for i, st := range statuses {
		c := NewClaim(fmt.Sprintf("cl%d", i), fmt.Sprintf("conn%d", i%2))
		c.Status = st
		if st == domain.ClaimDismissed {
			at := base
			c.ResolvedAt = &at
		}
		if err := s.Claims().Create(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.Claims().List(ctx, user, domain.ClaimFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "cl0" || all[2].ID != "cl2" {
		t.Fatalf("List order wrong: %d claims", len(all))
	}

	pending, _ := s.Claims().List(ctx, user, domain.ClaimFilter{PendingOnly: true})
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}

	byConn, _ := s.Claims().List(ctx, user, domain.ClaimFilter{ConnectionID: "conn0"})
	if len(byConn) != 2 {
		t.Errorf("conn0 claims = %d, want 2", len(byConn))
	}

	n, err := s.Claims().CountByConnection(ctx, user, "conn1")
	if err != nil || n != 1 {
		t.Errorf("CountByConnection = %d, %v", n, err)
	}
}

func testTxRollback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.Connections().Create(ctx, NewConnection("a", "comcast", "48201")); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx storage.Tx) error {
		if err := tx.Claims().Create(ctx, NewClaim("cl1", "a")); err != nil {
			return err
		}
		if err := tx.Connections().IncrementClaims(ctx, user, "a", base); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTx error = %v, want boom", err)
	}

	if _, err := s.Claims().Get(ctx, user, "cl1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("claim visible after rollback: %v", err)
	}
	conn, _ := s.Connections().Get(ctx, user, "a")
	if conn.ClaimsCount != 0 {
		t.Errorf("ClaimsCount = %d after rollback, want 0", conn.ClaimsCount)
	}
}

func testTxCommit(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.Connections().Create(ctx, NewConnection("a", "comcast", "48201")); err != nil {
		t.Fatal(err)
	}

	err := s.WithinTx(ctx, func(tx storage.Tx) error {
		if err := tx.Claims().Create(ctx, NewClaim("cl1", "a")); err != nil {
			return err
		}
		return tx.Connections().IncrementClaims(ctx, user, "a", base)
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}

	conn, _ := s.Connections().Get(ctx, user, "a")
	n, _ := s.Claims().CountByConnection(ctx, user, "a")
	if conn.ClaimsCount != n || n != 1 {
		t.Errorf("ClaimsCount = %d, claims = %d", conn.ClaimsCount, n)
	}
}

func testHistory(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.Claims().Create(ctx, NewClaim("cl1", "a")); err != nil {
		t.Fatal(err)
	}
	steps := []domain.ClaimTransition{
		{ClaimID: "cl1", From: domain.ClaimDetected, To: domain.ClaimConfirmed, Reason: "user confirmed", At: base},
		{ClaimID: "cl1", From: domain.ClaimConfirmed, To: domain.ClaimScriptReady, At: base.Add(time.Second)},
	}
	for i := range steps {
		if err := s.Claims().AppendTransition(ctx, user, &steps[i]); err != nil {
			t.Fatalf("AppendTransition: %v", err)
		}
	}

	hist, err := s.Claims().History(ctx, user, "cl1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].Seq != 1 || hist[1].To != domain.ClaimScriptReady {
		t.Errorf("unexpected history %+v", hist)
	}
	if hist[0].Reason != "user confirmed" {
		t.Errorf("Reason = %q", hist[0].Reason)
	}

	if _, err := s.Claims().History(ctx, user, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testConcurrentIncrements(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.Connections().Create(ctx, NewConnection("a", "comcast", "48201")); err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithinTx(ctx, func(tx storage.Tx) error {
				return tx.Connections().IncrementClaims(ctx, user, "a", base)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	conn, _ := s.Connections().Get(ctx, user, "a")
	if conn.ClaimsCount != n {
		t.Errorf("ClaimsCount = %d, want %d", conn.ClaimsCount, n)
	}
}

func ids(conns []*domain.Connection) []string {
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.ID
	}
	return out
}
