// Package directory resolves provider IDs to display names, categories and
// support contacts.
package directory

import (
	"fmt"
	"strings"

	"github.com/vietddude/outagewatch/internal/core/domain"
)

// Provider is a directory entry.
type Provider struct {
	ID           string          `yaml:"id"            json:"id"`
	Name         string          `yaml:"name"          json:"name"`
	Category     domain.Category `yaml:"category"      json:"category"`
	SupportURL   string          `yaml:"support_url"   json:"support_url"`
	SupportPhone string          `yaml:"support_phone" json:"support_phone"`
	Policy       string          `yaml:"policy"        json:"policy,omitempty"` // optional policy catalog entry
}

// Directory looks up providers by ID.
type Directory interface {
	Lookup(providerID string) (Provider, error)
}

// NormalizeID canonicalizes a provider ID for lookups and uniqueness checks.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Static is an in-memory directory built from configuration.
type Static struct {
	byID  map[string]Provider
	order []string
}

// NewStatic builds a directory, rejecting malformed or repeated entries.
func NewStatic(entries []Provider) (*Static, error) {
	s := &Static{byID: make(map[string]Provider, len(entries))}

	for i, p := range entries {
		p.ID = NormalizeID(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("provider %d: missing id", i)
		}
		if _, dup := s.byID[p.ID]; dup {
			return nil, fmt.Errorf("provider %s: listed twice", p.ID)
		}
		if !p.Category.Valid() {
			return nil, fmt.Errorf("provider %s: unknown category %q", p.ID, p.Category)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		s.byID[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	return s, nil
}

// Lookup returns the provider or an ErrNotFound error.
func (s *Static) Lookup(providerID string) (Provider, error) {
	p, ok := s.byID[NormalizeID(providerID)]
	if !ok {
		return Provider{}, domain.NotFound("provider", providerID)
	}
	return p, nil
}

// List returns providers in configuration order.
func (s *Static) List() []Provider {
	out := make([]Provider, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Default is the provider list used when configuration names none.
func Default() []Provider {
	return []Provider{
		{ID: "comcast", Name: "Comcast", Category: domain.CategoryInternet, SupportURL: "https://www.xfinity.com/support", SupportPhone: "1-800-934-6489"},
		{ID: "spectrum", Name: "Spectrum", Category: domain.CategoryInternet, SupportURL: "https://www.spectrum.net/support", SupportPhone: "1-833-267-6094"},
		{ID: "att", Name: "AT&T", Category: domain.CategoryInternet, SupportURL: "https://www.att.com/support", SupportPhone: "1-800-288-2020"},
		{ID: "verizon", Name: "Verizon", Category: domain.CategoryMobile, SupportURL: "https://www.verizon.com/support", SupportPhone: "1-800-922-0204"},
		{ID: "tmobile", Name: "T-Mobile", Category: domain.CategoryMobile, SupportURL: "https://www.t-mobile.com/support", SupportPhone: "1-800-937-8997"},
		{ID: "dte", Name: "DTE Energy", Category: domain.CategoryElectricity, SupportURL: "https://www.dteenergy.com/outage", SupportPhone: "1-800-477-4747"},
		{ID: "directv", Name: "DIRECTV", Category: domain.CategoryTV, SupportURL: "https://www.directv.com/support", SupportPhone: "1-800-531-5000"},
	}
}
