package signal

import (
	"context"
	"strings"
	"sync"
)

// StaticSource serves reports from memory. Used for development and tests.
type StaticSource struct {
	mu      sync.Mutex
	reports map[string]Report
	err     error
	queries int

	// Hook, when set, runs before each answer; a non-nil error fails the query.
	Hook func(ctx context.Context, providerID, zip string) error
}

func NewStaticSource() *StaticSource {
	return &StaticSource{reports: make(map[string]Report)}
}

func staticKey(providerID, zip string) string {
	return strings.ToLower(providerID) + "|" + zip
}

func (s *StaticSource) Name() string { return "static" }

// Set publishes a report for provider+zip.
func (s *StaticSource) Set(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[staticKey(r.ProviderID, r.ZipCode)] = r
}

// Clear removes the report for provider+zip.
func (s *StaticSource) Clear(providerID, zip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reports, staticKey(providerID, zip))
}

// Fail makes every query return err until Fail(nil).
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Queries returns how many queries were answered or failed.
func (s *StaticSource) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

func (s *StaticSource) Query(ctx context.Context, providerID, zip string) (*Report, error) {
	if hook := s.Hook; hook != nil {
		if err := hook(ctx, providerID, zip); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++

	if s.err != nil {
		return nil, &Error{Source: "static", Kind: KindTransport, Err: s.err}
	}
	r, ok := s.reports[staticKey(providerID, zip)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}
