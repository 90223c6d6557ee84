// Package hotkey turns global keyboard events into push-to-talk chord
// transitions. Parsing and state tracking are backend-independent; the
// platform hook is abstracted behind EventSource.
package hotkey

import (
	"fmt"
	"sort"
	"strings"
)

// Chord is a set of simultaneously held keys, stored normalized and sorted
type Chord []string

// modifiers whose left/right variants collapse to a single logical key
var sidedModifiers = map[string]string{
	"ctrl":  "ctrl",
	"shift": "shift",
	"alt":   "alt",
	"cmd":   "cmd",
	"super": "cmd",
	"win":   "cmd",
}

// NormalizeKey canonicalizes a key name: lowercase, angle brackets stripped,
// and left/right modifier variants (ctrl_l, shift_r) collapsed to their base
// key so a chord matches regardless of which side is pressed.
func NormalizeKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.Trim(k, "<>")

	base := k
	if s, ok := strings.CutSuffix(k, "_l"); ok {
		base = s
	} else if s, ok := strings.CutSuffix(k, "_r"); ok {
		base = s
	}
	if canonical, ok := sidedModifiers[base]; ok {
		return canonical
	}
	if canonical, ok := sidedModifiers[k]; ok {
		return canonical
	}
	return k
}

// ParseChord parses a chord spec like "<ctrl>+<shift>+<space>" into a
// normalized Chord. Duplicate keys after normalization are rejected.
func ParseChord(spec string) (Chord, error) {
	parts := strings.Split(spec, "+")
	seen := make(map[string]bool, len(parts))
	chord := make(Chord, 0, len(parts))

	for _, part := range parts {
		key := NormalizeKey(part)
		if key == "" {
			return nil, fmt.Errorf("empty key in chord %q", spec)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate key %q in chord %q", key, spec)
		}
		seen[key] = true
		chord = append(chord, key)
	}

	sort.Strings(chord)
	return chord, nil
}

// String renders the chord back in spec form
func (c Chord) String() string {
	parts := make([]string, len(c))
	for i, k := range c {
		parts[i] = "<" + k + ">"
	}
	return strings.Join(parts, "+")
}

// HeldBy reports whether every key of the chord is present in held
func (c Chord) HeldBy(held map[string]bool) bool {
	if len(c) == 0 {
		return false
	}
	for _, k := range c {
		if !held[k] {
			return false
		}
	}
	return true
}

// Contains reports whether the chord includes the given normalized key
func (c Chord) Contains(key string) bool {
	for _, k := range c {
		if k == key {
			return true
		}
	}
	return false
}
