package library

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Catalog maps symbolic concept names to the opaque identifiers used by the
// observation source.
type Catalog struct {
	concepts map[string]string
}

type catalogFile struct {
	Concepts map[string]string `yaml:"concepts"`
}

// NewCatalog creates a catalog from a name to id map.
func NewCatalog(concepts map[string]string) *Catalog {
	c := &Catalog{concepts: make(map[string]string, len(concepts))}
	for k, v := range concepts {
		c.concepts[k] = v
	}
	return c
}

// DefaultCatalog returns the concept ids the built-in namespaces expect.
func DefaultCatalog() *Catalog {
	return NewCatalog(map[string]string{
		"cd4_count":       "5497",
		"cd4_percent":     "730",
		"viral_load":      "856",
		"hiv_test_result": "159427",
		"hiv_positive":    "703",
		"hiv_care_visit":  "1246",
		"hiv_enrollment":  "160555",
		"tb_screening":    "1659",
		"tb_no_signs":     "1660",
		"tb_presumed":     "142177",
		"tb_on_treatment": "1662",
	})
}

// ParseCatalog reads a YAML document of the form
//
//	concepts:
//	  cd4_count: "5497"
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for name, id := range f.Concepts {
		if id == "" {
			return nil, fmt.Errorf("parse catalog: concept %q has no id", name)
		}
	}
	return NewCatalog(f.Concepts), nil
}

// LoadCatalogFile reads a catalog file.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// Merge returns a catalog with o's entries taking precedence.
func (c *Catalog) Merge(o *Catalog) *Catalog {
	out := NewCatalog(c.concepts)
	if o != nil {
		for k, v := range o.concepts {
			out.concepts[k] = v
		}
	}
	return out
}

// Lookup returns the id of a concept.
func (c *Catalog) Lookup(name string) (string, bool) {
	id, ok := c.concepts[name]
	return id, ok
}

// Concept returns the id of a concept and panics when it is unknown.
// Definitions are built once at start-up, where New turns the panic into an
// error.
func (c *Catalog) Concept(name string) string {
	id, ok := c.concepts[name]
	if !ok {
		panic(&MissingConceptError{Name: name})
	}
	return id
}

// Names lists the catalog entries in ascending order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.concepts))
	for k := range c.concepts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MissingConceptError reports a definition that refers to a concept absent
// from the catalog.
type MissingConceptError struct {
	Name string
}

func (e *MissingConceptError) Error() string {
	return fmt.Sprintf("concept %q is not in the catalog", e.Name)
}
