package billing

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ManuelReschke/MemberFox/internal/pkg/env"
)

// Plan is one membership tier of the static catalog.
type Plan struct {
	Name       string   `yaml:"name" validate:"required,max=50"`
	Rank       int      `yaml:"rank" validate:"gte=0"`
	PriceCents int64    `yaml:"price_cents" validate:"gte=0"`
	PriceIDs   []string `yaml:"price_ids"`
}

// Catalog maps provider price ids to plans. The lowest ranked plan is the
// fallback for unmapped prices.
type Catalog struct {
	Currency string `yaml:"currency"`
	Plans    []Plan `yaml:"plans" validate:"required,min=1,dive"`

	byPrice map[string]Plan
	byName  map[string]Plan
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		Currency: "eur",
		Plans: []Plan{
			{Name: "basic", Rank: 0, PriceCents: 2500},
			{Name: "premium", Rank: 1, PriceCents: 5000},
			{Name: "family", Rank: 2, PriceCents: 8000},
		},
	}
	_ = c.index()
	return c
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(raw []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("invalid plan catalog: %w", err)
	}
	if c.Currency == "" {
		c.Currency = "eur"
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// LoadCatalogFromEnv reads PLAN_CATALOG_PATH, falling back to DefaultCatalog.
func LoadCatalogFromEnv() (*Catalog, error) {
	path := strings.TrimSpace(env.GetEnv("PLAN_CATALOG_PATH", ""))
	if path == "" {
		return DefaultCatalog(), nil
	}
	return LoadCatalog(path)
}

func (c *Catalog) index() error {
	c.byPrice = map[string]Plan{}
	c.byName = map[string]Plan{}
	for i := range c.Plans {
		p := &c.Plans[i]
		p.Name = normalizePlan(p.Name)
		if _, dup := c.byName[p.Name]; dup {
			return fmt.Errorf("duplicate plan %q", p.Name)
		}
		c.byName[p.Name] = *p
		for _, id := range p.PriceIDs {
			id = strings.TrimSpace(id)
			if other, dup := c.byPrice[id]; dup {
				return fmt.Errorf("price %q mapped to both %q and %q", id, other.Name, p.Name)
			}
			c.byPrice[id] = *p
		}
	}
	sort.SliceStable(c.Plans, func(i, j int) bool { return c.Plans[i].Rank < c.Plans[j].Rank })
	return nil
}

// Resolve maps priceID to its plan. fallback is true when the price is unknown
// and the lowest tier was returned instead.
func (c *Catalog) Resolve(priceID string) (plan Plan, fallback bool) {
	if p, ok := c.byPrice[strings.TrimSpace(priceID)]; ok {
		return p, false
	}
	return c.Lowest(), true
}

// Lookup finds a plan by name.
func (c *Catalog) Lookup(name string) (Plan, bool) {
	p, ok := c.byName[normalizePlan(name)]
	return p, ok
}

// Lowest is the fallback tier.
func (c *Catalog) Lowest() Plan {
	return c.Plans[0]
}

func normalizePlan(plan string) string {
	return strings.ToLower(strings.TrimSpace(plan))
}
