package lora

import (
	"context"
	"strings"
	"unicode"

	"github.com/maauso/videogen-api/internal/job"
)

// Pick is a LoRA chosen for a prompt. A zero Scale means the catalog default.
type Pick struct {
	ID    string
	Mode  job.LoraMode
	Scale float64
}

// Selection is the result of LoRA selection for a prompt.
type Selection struct {
	Loras        []Pick
	TriggerWords []string
}

// Selector picks LoRAs for a prompt.
type Selector interface {
	Select(ctx context.Context, prompt string) (Selection, error)
}

// KeywordSelector picks every catalog entry whose trigger word appears in the prompt.
type KeywordSelector struct {
	catalog *Catalog
}

// NewKeywordSelector creates a selector over catalog.
func NewKeywordSelector(catalog *Catalog) *KeywordSelector {
	return &KeywordSelector{catalog: catalog}
}

// Select matches trigger words case-insensitively on word boundaries.
func (s *KeywordSelector) Select(_ context.Context, prompt string) (Selection, error) {
	words := tokenize(prompt)
	var sel Selection
	for _, e := range s.catalog.Entries() {
		for _, trigger := range e.TriggerWords {
			if !containsPhrase(words, tokenize(trigger)) {
				continue
			}
			sel.Loras = append(sel.Loras, Pick{ID: e.ID, Mode: job.LoraModeAuto})
			sel.TriggerWords = append(sel.TriggerWords, trigger)
			break
		}
	}
	return sel, nil
}

// NoopSelector never selects anything.
type NoopSelector struct{}

// Select returns an empty selection.
func (NoopSelector) Select(context.Context, string) (Selection, error) {
	return Selection{}, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j := range phrase {
			if words[i+j] != phrase[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
