// Package lora selects and resolves LoRA weights for the two-stage video models.
package lora

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrDuplicateEntry is returned when a catalog lists the same ID twice.
var ErrDuplicateEntry = errors.New("lora: duplicate catalog entry")

// Entry is one LoRA available to the generator.
type Entry struct {
	ID            string   `yaml:"id"`
	TriggerWords  []string `yaml:"trigger_words"`
	HighNoisePath string   `yaml:"high_noise_path"`
	LowNoisePath  string   `yaml:"low_noise_path"`
	DefaultScale  float64  `yaml:"default_scale"`
}

// Catalog is the set of known LoRAs keyed by ID.
type Catalog struct {
	entries []Entry
	byID    map[string]Entry
}

type catalogFile struct {
	Loras []Entry `yaml:"loras"`
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read lora catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("could not parse lora catalog: %w", err)
	}
	return NewCatalog(f.Loras...)
}

// NewCatalog builds a catalog from entries. Entries without an ID are skipped.
func NewCatalog(entries ...Entry) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		e.ID = strings.TrimSpace(e.ID)
		if e.ID == "" {
			continue
		}
		if _, ok := c.byID[e.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
		}
		c.byID[e.ID] = e
		c.entries = append(c.entries, e)
	}
	return c, nil
}

// Get returns the entry with the given ID.
func (c *Catalog) Get(id string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	e, ok := c.byID[id]
	return e, ok
}

// Entries returns the catalog entries in file order.
func (c *Catalog) Entries() []Entry {
	if c == nil {
		return nil
	}
	return append([]Entry(nil), c.entries...)
}

// Len returns the number of entries.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}
