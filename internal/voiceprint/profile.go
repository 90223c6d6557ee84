package voiceprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// profileVersion is the persisted format version. Bumped on incompatible
// layout changes.
const profileVersion = 1

var (
	// ErrNotEnrolled indicates no voice profile exists yet
	ErrNotEnrolled = errors.New("no voice profile enrolled")

	// ErrProfileCorrupt indicates the stored profile could not be used
	ErrProfileCorrupt = errors.New("voice profile corrupt")
)

// Profile is the enrolled voiceprint: every enrollment embedding, the
// normalized mean reference derived from them, and the acceptance threshold.
type Profile struct {
	Version    int         `json:"version"`
	Threshold  float64     `json:"threshold"`
	Embeddings [][]float64 `json:"embeddings"`
	Reference  []float64   `json:"reference"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// NewProfile creates an empty profile with the given threshold
func NewProfile(threshold float64) *Profile {
	now := time.Now().UTC()
	return &Profile{
		Version:   profileVersion,
		Threshold: threshold,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Add appends an enrollment embedding and recomputes the reference. The
// first embedding fixes the profile's dimension.
func (p *Profile) Add(embedding []float64) error {
	if len(embedding) == 0 {
		return fmt.Errorf("empty embedding")
	}
	if len(p.Embeddings) > 0 && len(embedding) != len(p.Embeddings[0]) {
		return fmt.Errorf("embedding dimension %d does not match profile dimension %d",
			len(embedding), len(p.Embeddings[0]))
	}

	p.Embeddings = append(p.Embeddings, append([]float64(nil), embedding...))
	p.Reference = meanNormalized(p.Embeddings)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// SampleCount returns the number of enrollment utterances
func (p *Profile) SampleCount() int {
	return len(p.Embeddings)
}

// LoadProfile reads a profile from disk. A missing file is ErrNotEnrolled;
// anything unreadable or structurally inconsistent is ErrProfileCorrupt.
// Unknown JSON fields are ignored so older builds can read newer profiles.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileCorrupt, err)
	}

	if p.Version != profileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrProfileCorrupt, p.Version)
	}
	if len(p.Embeddings) == 0 || len(p.Reference) == 0 {
		return nil, fmt.Errorf("%w: profile has no embeddings", ErrProfileCorrupt)
	}
	dim := len(p.Reference)
	for i, e := range p.Embeddings {
		if len(e) != dim {
			return nil, fmt.Errorf("%w: embedding %d has dimension %d, reference has %d",
				ErrProfileCorrupt, i, len(e), dim)
		}
	}
	return &p, nil
}

// Save writes the profile atomically: to a temp file in the same directory,
// then renamed over the target.
func (p *Profile) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating profile dir: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing profile: %w", err)
	}
	return nil
}

// DeleteProfile removes the stored profile. Missing profile is not an error.
func DeleteProfile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing profile %s: %w", path, err)
	}
	return nil
}

// meanNormalized returns the unit-length mean of the embeddings
func meanNormalized(embeddings [][]float64) []float64 {
	dim := len(embeddings[0])
	mean := make([]float64, dim)
	for _, e := range embeddings {
		for i, v := range e {
			mean[i] += v
		}
	}
	n := float64(len(embeddings))
	var norm float64
	for i := range mean {
		mean[i] /= n
		norm += mean[i] * mean[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return mean
	}
	for i := range mean {
		mean[i] /= norm
	}
	return mean
}

// cosine returns the cosine similarity of two equal-length vectors
func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
