package tools

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/BurntSushi/toml"
)

//go:embed catalog.toml
var defaultCatalog []byte

// Entry is one catalogued framework.
type Entry struct {
	Name        string   `toml:"name"`
	Formula     string   `toml:"formula"`
	Description string   `toml:"description"`
	Tags        []string `toml:"tags"`
	CIFFilename string   `toml:"cif_filename"`
	SurfaceArea float64  `toml:"surface_area_m2g"`
	PoreVolume  float64  `toml:"pore_volume_cm3g"`
	Metal       string   `toml:"metal"`
	CellLength  float64  `toml:"cell_length"`
}

// Catalog is the searchable set of structures.
type Catalog struct {
	Entries []Entry `toml:"mof"`
}

// LoadCatalog reads a TOML catalog from path, or the embedded default when
// path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading catalog: %w", err)
		}
		data = b
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a TOML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if len(c.Entries) == 0 {
		return nil, errors.New("catalog has no entries")
	}
	seen := make(map[string]bool, len(c.Entries))
	for i := range c.Entries {
		e := &c.Entries[i]
		if e.Name == "" {
			return nil, fmt.Errorf("catalog entry %d has no name", i)
		}
		key := strings.ToLower(e.Name)
		if seen[key] {
			return nil, fmt.Errorf("duplicate catalog entry %q", e.Name)
		}
		seen[key] = true
		if e.CIFFilename == "" {
			e.CIFFilename = e.Name + ".cif"
		}
		if e.CellLength <= 0 {
			e.CellLength = 25.0
		}
		if e.Metal == "" {
			e.Metal = "Cu"
		}
	}
	return &c, nil
}

// Names returns the entry names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		names[i] = e.Name
	}
	return names
}

// Match is a scored search hit.
type Match struct {
	Entry Entry
	Score int
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "of": true, "for": true,
	"with": true, "its": true, "it": true, "to": true, "in": true, "on": true,
	"find": true, "search": true, "show": true, "me": true, "get": true,
	"mof": true, "mofs": true, "structure": true, "based": true, "is": true,
	"what": true, "which": true, "compute": true, "calculate": true,
	"energy": true, "optimize": true, "relax": true, "then": true, "one": true,
}

// Search scores every entry by token overlap with query. A query token
// scores 3 on a name, 2 on a formula or tag and 1 on the description.
// Formula and tag tokens only match whole, so "water-stable" does not match
// "water". A multi-word tag appearing verbatim in the query adds its word
// count. The best scoring entry wins; ties go to the earlier entry.
func (c *Catalog) Search(query string) (Match, bool) {
	terms := tokenize(query)
	phrase := strings.ToLower(query)
	best := Match{}
	found := false
	for _, e := range c.Entries {
		name := tokenize(e.Name)
		strong := splitTokens(e.Formula+" "+strings.Join(e.Tags, " "), false)
		weak := tokenize(e.Description)

		score := 0
		for t := range terms {
			switch {
			case name[t]:
				score += 3
			case strong[t]:
				score += 2
			case weak[t]:
				score++
			}
		}
		for _, tag := range e.Tags {
			words := strings.Fields(tag)
			if len(words) > 1 && strings.Contains(phrase, strings.ToLower(tag)) {
				score += len(words)
			}
		}
		if score > best.Score {
			best = Match{Entry: e, Score: score}
			found = true
		}
	}
	return best, found
}

// tokenize lowercases s and splits it on anything but letters, digits and
// hyphens. Hyphenated words also contribute their parts.
func tokenize(s string) map[string]bool {
	return splitTokens(s, true)
}

func splitTokens(s string, parts bool) map[string]bool {
	out := make(map[string]bool)
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	add := func(t string) {
		t = strings.Trim(t, "-")
		if len(t) < 2 || stopwords[t] {
			return
		}
		out[t] = true
	}
	for _, f := range fields {
		add(f)
		if parts && strings.Contains(f, "-") {
			for _, part := range strings.Split(f, "-") {
				add(part)
			}
		}
	}
	return out
}
