package billing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalogYAML = `
currency: eur
plans:
  - name: Premium
    rank: 1
    price_cents: 5000
    price_ids: [price_premium_year]
  - name: basic
    rank: 0
    price_cents: 2500
    price_ids: [price_basic_year, price_basic_month]
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalogYAML))
	require.NoError(t, err)

	plan, fallback := c.Resolve("price_premium_year")
	assert.False(t, fallback)
	assert.Equal(t, "premium", plan.Name)
	assert.EqualValues(t, 5000, plan.PriceCents)

	plan, fallback = c.Resolve("price_basic_month")
	assert.False(t, fallback)
	assert.Equal(t, "basic", plan.Name)

	assert.Equal(t, "basic", c.Lowest().Name)

	_, ok := c.Lookup("PREMIUM")
	assert.True(t, ok)
}

func TestResolveFallsBackToLowestTier(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalogYAML))
	require.NoError(t, err)

	plan, fallback := c.Resolve("price_unknown")
	assert.True(t, fallback)
	assert.Equal(t, "basic", plan.Name)

	_, fallback = DefaultCatalog().Resolve("")
	assert.True(t, fallback)
}

func TestParseCatalogRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"empty":           "plans: []",
		"missing name":    "plans:\n  - rank: 0\n",
		"duplicate price": "plans:\n  - name: a\n    price_ids: [p1]\n  - name: b\n    rank: 1\n    price_ids: [p1]\n",
		"duplicate plan":  "plans:\n  - name: a\n  - name: A\n    rank: 1\n",
		"not yaml":        "plans: [",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogYAML), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, c.Plans, 2)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestShippedCatalogParses(t *testing.T) {
	c, err := LoadCatalog("../../../config/plans.yaml")
	require.NoError(t, err)
	assert.Equal(t, "basic", c.Lowest().Name)

	plan, fallback := c.Resolve("price_family_yearly")
	assert.False(t, fallback)
	assert.Equal(t, "family", plan.Name)
}
