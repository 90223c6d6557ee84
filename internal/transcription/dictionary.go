package transcription

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Match strategies for dictionary variations
const (
	MatchSubstring = "substring"
	MatchWholeWord = "whole_word"
)

// DictionaryEntry maps misrecognized variations of a phrase back to its
// canonical spelling.
type DictionaryEntry struct {
	Phrase     string   `yaml:"phrase"`
	Variations []string `yaml:"variations"`
	Match      string   `yaml:"match"`
}

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Dictionary applies canonical-spelling substitutions to final transcripts.
// Longer variations are applied first so overlapping entries resolve to the
// most specific match. Matching is case-insensitive.
type Dictionary struct {
	rules []rule
}

// LoadDictionary reads dictionary entries from a YAML file. An empty path
// yields an empty dictionary whose Apply is the identity.
func LoadDictionary(path string) (*Dictionary, error) {
	if path == "" {
		return &Dictionary{}, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Dictionary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading dictionary %s: %w", path, err)
	}

	var entries []DictionaryEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing dictionary %s: %w", path, err)
	}
	return NewDictionary(entries)
}

// NewDictionary compiles dictionary entries into ordered substitution rules
func NewDictionary(entries []DictionaryEntry) (*Dictionary, error) {
	type variation struct {
		text  string
		entry DictionaryEntry
	}

	var variations []variation
	for _, e := range entries {
		if e.Phrase == "" {
			return nil, fmt.Errorf("dictionary entry with empty phrase")
		}
		switch e.Match {
		case "", MatchSubstring, MatchWholeWord:
		default:
			return nil, fmt.Errorf("dictionary entry %q: unknown match strategy %q", e.Phrase, e.Match)
		}
		for _, v := range e.Variations {
			if v == "" {
				continue
			}
			variations = append(variations, variation{text: v, entry: e})
		}
	}

	sort.SliceStable(variations, func(i, j int) bool {
		return len(variations[i].text) > len(variations[j].text)
	})

	d := &Dictionary{rules: make([]rule, 0, len(variations))}
	for _, v := range variations {
		expr := "(?i)" + regexp.QuoteMeta(v.text)
		if v.entry.Match == MatchWholeWord || v.entry.Match == "" {
			expr = `(?i)\b` + regexp.QuoteMeta(v.text) + `\b`
		}
		pattern, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling variation %q: %w", v.text, err)
		}
		d.rules = append(d.rules, rule{pattern: pattern, replacement: v.entry.Phrase})
	}
	return d, nil
}

// Apply rewrites every matched variation to its canonical phrase
func (d *Dictionary) Apply(text string) string {
	for _, r := range d.rules {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}

// Len returns the number of compiled substitution rules
func (d *Dictionary) Len() int {
	return len(d.rules)
}
