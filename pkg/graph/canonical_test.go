package graph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladm3105/tradegent/pkg/common"
)

const aliasYAML = `
- type: Ticker
  name: NVDA
  aliases:
    - name: Nvidia
      type: Company
    - name: NVIDIA Corporation
      type: Company
    - name: Nvidia
- type: Bias
  name: Confirmation bias
  aliases:
    - name: confirmation-bias
`

func TestCanonicalize(t *testing.T) {
	entries, err := ParseAliases([]byte(aliasYAML))
	require.NoError(t, err)
	c := NewCanonicalizer(entries)

	tests := []struct {
		name     string
		typ      common.EntityType
		in       string
		wantName string
		wantKey  common.NodeKey
	}{
		{"dollar ticker", common.EntityTicker, "$nvda", "NVDA", common.NodeKey{Type: common.EntityTicker, Key: "nvda"}},
		{"exchange prefix", common.EntityTicker, "NASDAQ:AMD", "AMD", common.NodeKey{Type: common.EntityTicker, Key: "amd"}},
		{"company suffix", common.EntityCompany, "Advanced Micro Devices, Inc.", "Advanced Micro Devices", common.NodeKey{Type: common.EntityCompany, Key: "advanced micro devices"}},
		{"company alias retypes", common.EntityCompany, "NVIDIA  Corporation", "NVDA", common.NodeKey{Type: common.EntityTicker, Key: "nvda"}},
		{"company alias by name", common.EntityCompany, "nvidia", "NVDA", common.NodeKey{Type: common.EntityTicker, Key: "nvda"}},
		{"untyped alias", common.EntityRisk, "Nvidia", "NVDA", common.NodeKey{Type: common.EntityTicker, Key: "nvda"}},
		{"bias alias", common.EntityBias, "Confirmation-Bias", "Confirmation bias", common.NodeKey{Type: common.EntityBias, Key: "confirmation bias"}},
		{"whitespace", common.EntityRisk, "  Export   controls ", "Export controls", common.NodeKey{Type: common.EntityRisk, Key: "export controls"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, key := c.Canonicalize(tt.typ, tt.in)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantKey, key)
		})
	}
}

func TestCanonicalize_NoAliases(t *testing.T) {
	c := NewCanonicalizer(nil)
	name, key := c.Canonicalize(common.EntityCompany, "Holdings")
	assert.Equal(t, "Holdings", name, "a name that is only a suffix is kept")
	assert.Equal(t, "holdings", key.Key)
}

func TestParseAliases_Invalid(t *testing.T) {
	_, err := ParseAliases([]byte("- type: Planet\n  name: Mars\n"))
	assert.ErrorIs(t, err, common.ErrConfig)

	_, err = ParseAliases([]byte("- type: Ticker\n  name: NVDA\n  aliases:\n    - name: x\n      type: Moon\n"))
	assert.ErrorIs(t, err, common.ErrConfig)

	_, err = ParseAliases([]byte("{not: [a list"))
	assert.ErrorIs(t, err, common.ErrConfig)
}

func TestLoadAliases(t *testing.T) {
	entries, err := LoadAliases("")
	require.NoError(t, err)
	assert.Nil(t, entries)

	path := filepath.Join(t.TempDir(), "aliases.yaml")
	require.NoError(t, os.WriteFile(path, []byte(aliasYAML), 0o644))
	entries, err = LoadAliases(path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = LoadAliases(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, common.ErrConfig)
}
