// Package classify categorizes posts with an oracle, caches the verdicts
// and groups posts into per-category buckets.
package classify

import (
	"fmt"
	"os"
	"strings"

	"github.com/bryan-buckman/threadlens/internal/model"
	"gopkg.in/yaml.v3"
)

// Schema is the fixed, ordered set of categories a classification may use.
// It is immutable once built.
type Schema struct {
	categories []model.Category
	index      map[string]int
}

// DefaultCategories are used when no categories file is configured.
var DefaultCategories = []model.Category{
	{ID: "solution-request", Name: "Solution Request", Description: "Posts where users are looking for specific solutions to their problems"},
	{ID: "pain-anger", Name: "Pain & Anger", Description: "Posts expressing frustration, anger, or emotional distress"},
	{ID: "advice-request", Name: "Advice Request", Description: "Posts seeking general advice or guidance"},
	{ID: "money-talk", Name: "Money Talk", Description: "Posts discussing financial aspects or compensation"},
}

// NewSchema validates categories and copies them into a Schema. Ids must be
// non-empty, unique and must not collide with the explanation field.
func NewSchema(categories []model.Category) (*Schema, error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("category schema is empty")
	}
	s := &Schema{
		categories: make([]model.Category, 0, len(categories)),
		index:      make(map[string]int, len(categories)),
	}
	for _, c := range categories {
		c.ID = strings.TrimSpace(c.ID)
		switch {
		case c.ID == "":
			return nil, fmt.Errorf("category %q has no id", c.Name)
		case c.ID == explanationKey:
			return nil, fmt.Errorf("category id %q is reserved", c.ID)
		}
		if _, dup := s.index[c.ID]; dup {
			return nil, fmt.Errorf("duplicate category id %q", c.ID)
		}
		if c.Name == "" {
			c.Name = c.ID
		}
		s.index[c.ID] = len(s.categories)
		s.categories = append(s.categories, c)
	}
	return s, nil
}

// DefaultSchema returns the built-in schema.
func DefaultSchema() *Schema {
	s, err := NewSchema(DefaultCategories)
	if err != nil {
		panic(err)
	}
	return s
}

type schemaFile struct {
	Categories []model.Category `yaml:"categories"`
}

// LoadSchema reads a YAML file with a top-level categories list. An empty
// path yields the default schema.
func LoadSchema(path string) (*Schema, error) {
	if path == "" {
		return DefaultSchema(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read categories: %w", err)
	}
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse categories: %w", err)
	}
	return NewSchema(f.Categories)
}

// Categories returns a copy of the categories in schema order.
func (s *Schema) Categories() []model.Category {
	out := make([]model.Category, len(s.categories))
	copy(out, s.categories)
	return out
}

// IDs returns the category ids in schema order.
func (s *Schema) IDs() []string {
	ids := make([]string, len(s.categories))
	for i, c := range s.categories {
		ids[i] = c.ID
	}
	return ids
}

// Has reports whether id is a category of the schema.
func (s *Schema) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Len returns the number of categories.
func (s *Schema) Len() int { return len(s.categories) }

// Project returns membership restricted to the schema: unknown ids are
// dropped and missing ids are false.
func (s *Schema) Project(membership map[string]bool) map[string]bool {
	out := make(map[string]bool, len(s.categories))
	for _, c := range s.categories {
		out[c.ID] = membership[c.ID]
	}
	return out
}
