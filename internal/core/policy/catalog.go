package policy

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/money"
)

//go:embed schema.cue
var schemaSource []byte

//go:embed default_catalog.cue
var defaultCatalog []byte

// Catalog holds every known policy plus the provider and category mappings.
type Catalog struct {
	policies   map[string]*Policy
	categories map[domain.Category]string
	providers  map[string]string
}

// LoadDefault loads the built-in catalog.
func LoadDefault() (*Catalog, error) {
	return Parse(defaultCatalog, "default_catalog.cue")
}

// LoadFile loads a catalog from a CUE file. An empty path loads the default.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return LoadDefault()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy catalog: %w", err)
	}
	return Parse(data, path)
}

// Parse compiles CUE source, unifies it with the catalog schema and extracts
// the policies.
func Parse(data []byte, name string) (*Catalog, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if schema.Err() != nil {
		return nil, fmt.Errorf("compile policy schema: %w", schema.Err())
	}

	v := ctx.CompileBytes(data, cue.Filename(name))
	if v.Err() != nil {
		return nil, fmt.Errorf("compile %s: %w", name, v.Err())
	}

	unified := schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate %s: %w", name, err)
	}

	return extractCatalog(unified)
}

func extractCatalog(v cue.Value) (*Catalog, error) {
	c := &Catalog{
		policies:   make(map[string]*Policy),
		categories: make(map[domain.Category]string),
		providers:  make(map[string]string),
	}

	if err := extractPolicies(v, c); err != nil {
		return nil, err
	}
	if len(c.policies) == 0 {
		return nil, fmt.Errorf("policy catalog defines no policies")
	}

	categories, err := extractMapping(v, "categories")
	if err != nil {
		return nil, err
	}
	for cat, name := range categories {
		if !domain.Category(cat).Valid() {
			return nil, fmt.Errorf("categories: unknown category %q", cat)
		}
		c.categories[domain.Category(cat)] = name
	}

	if c.providers, err = extractMapping(v, "providers"); err != nil {
		return nil, err
	}

	for key, name := range c.providers {
		if _, ok := c.policies[name]; !ok {
			return nil, fmt.Errorf("providers.%s: unknown policy %q", key, name)
		}
	}
	for key, name := range c.categories {
		if _, ok := c.policies[name]; !ok {
			return nil, fmt.Errorf("categories.%s: unknown policy %q", key, name)
		}
	}

	return c, nil
}

func extractPolicies(v cue.Value, c *Catalog) error {
	iter, err := v.LookupPath(cue.ParsePath("policies")).Fields()
	if err != nil {
		return fmt.Errorf("iterate policies: %w", err)
	}

	for iter.Next() {
		name := iter.Selector().Unquoted()
		fv := iter.Value()

		p := &Policy{ID: name}

		kind, err := fv.LookupPath(cue.ParsePath("kind")).String()
		if err != nil {
			return fmt.Errorf("policies.%s.kind: %w", name, err)
		}
		p.Kind = Kind(kind)

		threshold, err := fv.LookupPath(cue.ParsePath("sla_threshold")).String()
		if err != nil {
			return fmt.Errorf("policies.%s.sla_threshold: %w", name, err)
		}
		if p.SLAThreshold, err = time.ParseDuration(threshold); err != nil {
			return fmt.Errorf("policies.%s.sla_threshold: %w", name, err)
		}

		rate, err := fv.LookupPath(cue.ParsePath("rate")).String()
		if err != nil {
			return fmt.Errorf("policies.%s.rate: %w", name, err)
		}
		if p.Rate, err = money.Parse(rate); err != nil {
			return fmt.Errorf("policies.%s.rate: %w", name, err)
		}

		if capStr, err := fv.LookupPath(cue.ParsePath("max_credit")).String(); err == nil {
			if p.MaxCredit, err = money.Parse(capStr); err != nil {
				return fmt.Errorf("policies.%s.max_credit: %w", name, err)
			}
		}
		if desc, err := fv.LookupPath(cue.ParsePath("description")).String(); err == nil {
			p.Description = desc
		}

		if err := p.validate(); err != nil {
			return err
		}
		c.policies[name] = p
	}
	return nil
}

func extractMapping(v cue.Value, field string) (map[string]string, error) {
	out := make(map[string]string)

	mv := v.LookupPath(cue.ParsePath(field))
	if !mv.Exists() {
		return out, nil
	}

	iter, err := mv.Fields()
	if err != nil {
		return nil, fmt.Errorf("iterate %s: %w", field, err)
	}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", field, iter.Selector().Unquoted(), err)
		}
		out[iter.Selector().Unquoted()] = s
	}
	return out, nil
}

// Resolve picks the policy for ref: explicit name, then provider, then category.
func (c *Catalog) Resolve(ref Ref) (CreditPolicy, error) {
	if ref.Policy != "" {
		if p, ok := c.policies[ref.Policy]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: unknown policy %q", ErrNoPolicy, ref.Policy)
	}
	if name, ok := c.providers[ref.ProviderID]; ok {
		return c.policies[name], nil
	}
	if name, ok := c.categories[ref.Category]; ok {
		return c.policies[name], nil
	}
	return nil, fmt.Errorf("%w: %s (%s)", ErrNoPolicy, ref.ProviderID, ref.Category)
}

// Policy returns a policy by name.
func (c *Catalog) Policy(name string) (*Policy, bool) {
	p, ok := c.policies[name]
	return p, ok
}

// Policies lists all policies sorted by name.
func (c *Catalog) Policies() []*Policy {
	out := make([]*Policy, 0, len(c.policies))
	for _, p := range c.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CategoryPolicy returns the default policy name of a category.
func (c *Catalog) CategoryPolicy(cat domain.Category) (string, bool) {
	name, ok := c.categories[cat]
	return name, ok
}

// ProviderPolicy returns the policy name pinned to a provider.
func (c *Catalog) ProviderPolicy(providerID string) (string, bool) {
	name, ok := c.providers[providerID]
	return name, ok
}
