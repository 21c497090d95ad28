package graph

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vladm3105/tradegent/pkg/common"
)

// AliasEntry maps alternate surface forms onto one canonical entity. An
// alias with a Type re-types matching entities (a Company alias written as
// a ticker, say).
type AliasEntry struct {
	Type    common.EntityType `yaml:"type"`
	Name    string            `yaml:"name"`
	Aliases []Alias           `yaml:"aliases"`
}

type Alias struct {
	Name string            `yaml:"name"`
	Type common.EntityType `yaml:"type,omitempty"`
}

// ParseAliases decodes a YAML alias table.
func ParseAliases(data []byte) ([]AliasEntry, error) {
	var entries []AliasEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: alias table: %v", common.ErrConfig, err)
	}
	for i, e := range entries {
		t, ok := common.ParseEntityType(string(e.Type))
		if !ok || strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("%w: alias entry %d has invalid type %q or empty name", common.ErrConfig, i, e.Type)
		}
		entries[i].Type = t
		for j, a := range e.Aliases {
			if a.Type == "" {
				continue
			}
			at, ok := common.ParseEntityType(string(a.Type))
			if !ok {
				return nil, fmt.Errorf("%w: alias %q has invalid type %q", common.ErrConfig, a.Name, a.Type)
			}
			entries[i].Aliases[j].Type = at
		}
	}
	return entries, nil
}

// LoadAliases reads a YAML alias table from path. An empty path yields no
// aliases.
func LoadAliases(path string) ([]AliasEntry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read alias table: %v", common.ErrConfig, err)
	}
	return ParseAliases(data)
}

type aliasTarget struct {
	typ  common.EntityType
	name string
}

// Canonicalizer normalizes entity surface forms so that one real-world
// entity always maps to one node key. It is safe for concurrent use once
// built.
type Canonicalizer struct {
	// typed is keyed by type + folded alias; untyped by folded alias only.
	typed   map[string]aliasTarget
	untyped map[string]aliasTarget
}

var (
	exchangePrefix = regexp.MustCompile(`(?i)^(NASDAQ|NYSE|NYSEARCA|AMEX|ARCA|BATS|OTC|TSX|LSE)\s*:\s*`)
	companySuffix  = regexp.MustCompile(`(?i)[\s,]+(inc|corp|corporation|ltd|limited|plc|holdings|co|company|llc)\.?$`)
)

func NewCanonicalizer(entries []AliasEntry) *Canonicalizer {
	c := &Canonicalizer{typed: map[string]aliasTarget{}, untyped: map[string]aliasTarget{}}
	for _, e := range entries {
		target := aliasTarget{typ: e.Type, name: c.normalizeName(e.Type, e.Name)}
		c.typed[string(e.Type)+":"+common.FoldKey(target.name)] = target
		for _, a := range e.Aliases {
			folded := common.FoldKey(c.normalizeName(e.Type, a.Name))
			if a.Type != "" {
				c.typed[string(a.Type)+":"+common.FoldKey(c.normalizeName(a.Type, a.Name))] = target
				continue
			}
			c.typed[string(e.Type)+":"+folded] = target
			c.untyped[common.FoldKey(a.Name)] = target
		}
	}
	return c
}

func (c *Canonicalizer) normalizeName(t common.EntityType, name string) string {
	name = strings.Join(strings.Fields(name), " ")
	switch t {
	case common.EntityTicker:
		name = strings.TrimPrefix(name, "$")
		name = exchangePrefix.ReplaceAllString(name, "")
		name = strings.ToUpper(strings.TrimPrefix(name, "$"))
	case common.EntityCompany:
		for {
			stripped := companySuffix.ReplaceAllString(name, "")
			if stripped == name || stripped == "" {
				break
			}
			name = stripped
		}
	}
	return name
}

// Canonicalize returns the display name and node key of a surface form.
// The key's type differs from t when an alias re-types the entity.
func (c *Canonicalizer) Canonicalize(t common.EntityType, name string) (string, common.NodeKey) {
	norm := c.normalizeName(t, name)
	if a, ok := c.typed[string(t)+":"+common.FoldKey(norm)]; ok {
		return a.name, common.NodeKey{Type: a.typ, Key: common.FoldKey(a.name)}
	}
	if a, ok := c.untyped[common.FoldKey(name)]; ok {
		return a.name, common.NodeKey{Type: a.typ, Key: common.FoldKey(a.name)}
	}
	return norm, common.NodeKey{Type: t, Key: common.FoldKey(norm)}
}
