package eligibility

import (
	"errors"
	"testing"
	"time"

	"github.com/vietddude/outagewatch/internal/core/directory"
	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/money"
	"github.com/vietddude/outagewatch/internal/core/policy"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeResolver struct {
	err error
}

func (f fakeResolver) Resolve(policy.Ref) (policy.CreditPolicy, error) {
	return nil, f.err
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	cat, err := policy.LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	dir, err := directory.NewStatic(directory.Default())
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	return NewEngine(cat, dir)
}

func conn(provider string, cat domain.Category) *domain.Connection {
	return &domain.Connection{ID: "conn-1", UserID: "u1", ProviderID: provider, Category: cat, ZipCode: "48201"}
}

func window(start time.Time, d time.Duration) domain.DetectedOutage {
	end := start.Add(d)
	return domain.DetectedOutage{ID: "out-1", ConnectionID: "conn-1", StartTime: start, EndTime: &end}
}

func TestCompute(t *testing.T) {
	e := newEngine(t)

	tests := []struct {
		name      string
		conn      *domain.Connection
		outage    domain.DetectedOutage
		eligible  bool
		credit    string
		reason    string
		policy    string
		threshold time.Duration
	}{
		{"comcast four hours", conn("comcast", domain.CategoryInternet), window(base, 4*time.Hour), true, "2.97", "", "internet_daily", time.Hour},
		{"comcast half hour", conn("comcast", domain.CategoryInternet), window(base, 30*time.Minute), false, "0.00", ReasonBelowThreshold, "internet_daily", time.Hour},
		{"exactly at threshold", conn("comcast", domain.CategoryInternet), window(base, time.Hour), true, "2.97", "", "internet_daily", time.Hour},
		{"comcast two days", conn("comcast", domain.CategoryInternet), window(base, 25*time.Hour), true, "5.94", "", "internet_daily", time.Hour},
		{"verizon six hours", conn("verizon", domain.CategoryMobile), window(base, 6*time.Hour), true, "1.00", "", "mobile_hourly", 4 * time.Hour},
		{"end before start", conn("comcast", domain.CategoryInternet), window(base, -time.Hour), false, "0.00", ReasonNotStarted, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Compute(tt.conn, tt.outage, base.Add(48*time.Hour))
			if err != nil {
				t.Fatalf("Compute: %v", err)
			}
			if res.IsEligible != tt.eligible {
				t.Errorf("IsEligible = %v, want %v", res.IsEligible, tt.eligible)
			}
			if got := res.EstimatedCredit.String(); got != tt.credit {
				t.Errorf("EstimatedCredit = %s, want %s", got, tt.credit)
			}
			if res.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", res.Reason, tt.reason)
			}
			if res.PolicyName != tt.policy {
				t.Errorf("PolicyName = %q, want %q", res.PolicyName, tt.policy)
			}
			if res.Threshold != tt.threshold {
				t.Errorf("Threshold = %v, want %v", res.Threshold, tt.threshold)
			}
		})
	}
}

func TestComputeOngoingUsesNow(t *testing.T) {
	e := newEngine(t)
	o := domain.DetectedOutage{ID: "out-1", StartTime: base}

	res, err := e.Compute(conn("comcast", domain.CategoryInternet), o, base.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsEligible || res.Duration != 2*time.Hour || res.DurationHours() != 2 {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = e.Compute(conn("comcast", domain.CategoryInternet), o, base.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsEligible || res.Reason != ReasonNotStarted {
		t.Errorf("future start: %+v", res)
	}
}

func TestComputeNoPolicy(t *testing.T) {
	e := NewEngine(fakeResolver{err: policy.ErrNoPolicy}, nil)

	res, err := e.Compute(conn("acme", domain.CategoryWater), window(base, 10*time.Hour), base)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsEligible || res.Reason != ReasonNoPolicy {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestComputeResolverFailure(t *testing.T) {
	boom := errors.New("catalog unavailable")
	e := NewEngine(fakeResolver{err: boom}, nil)

	if _, err := e.Compute(conn("comcast", domain.CategoryInternet), window(base, time.Hour), base); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped resolver error", err)
	}
}

func TestComputeUsesDirectoryPolicy(t *testing.T) {
	cat, err := policy.LoadDefault()
	if err != nil {
		t.Fatal(err)
	}
	dir, err := directory.NewStatic([]directory.Provider{
		{ID: "comcast", Name: "Comcast", Category: domain.CategoryInternet, Policy: "utility_prorated"},
	})
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(cat, dir)

	res, err := e.Compute(conn("comcast", domain.CategoryInternet), window(base, 12*time.Hour), base)
	if err != nil {
		t.Fatal(err)
	}
	if res.PolicyName != "utility_prorated" {
		t.Fatalf("PolicyName = %q, want directory override", res.PolicyName)
	}
	if want := money.MustParse("2.40"); res.EstimatedCredit != want {
		t.Errorf("EstimatedCredit = %s, want %s", res.EstimatedCredit, want)
	}
}
