package voiceprint

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/yegors/sotto/pkg/logger"
)

func TestMeanNormalizedDeterministic(t *testing.T) {
	embeddings := [][]float64{
		{1, 0, 0},
		{0, 1, 0},
	}

	ref := meanNormalized(embeddings)
	want := 1 / math.Sqrt2
	if math.Abs(ref[0]-want) > 1e-12 || math.Abs(ref[1]-want) > 1e-12 || ref[2] != 0 {
		t.Errorf("reference = %v, want [%v %v 0]", ref, want, want)
	}

	// Same inputs must give an identical reference
	again := meanNormalized(embeddings)
	for i := range ref {
		if ref[i] != again[i] {
			t.Fatalf("reference not deterministic at index %d", i)
		}
	}

	var norm float64
	for _, v := range ref {
		norm += v * v
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-12 {
		t.Errorf("reference norm = %v, want 1", math.Sqrt(norm))
	}
}

func TestScoreMapping(t *testing.T) {
	tests := []struct {
		similarity float64
		want       float64
	}{
		{1, 1},
		{-1, 0},
		{0, 0.5},
		{0.5, 0.75},
	}
	for _, tt := range tests {
		if got := Score(tt.similarity); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Score(%v) = %v, want %v", tt.similarity, got, tt.want)
		}
	}
}

func TestProfileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.json")

	p := NewProfile(0.65)
	if err := p.Add([]float64{1, 2, 3}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add([]float64{3, 2, 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if loaded.Threshold != 0.65 {
		t.Errorf("threshold = %v, want 0.65", loaded.Threshold)
	}
	if loaded.SampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", loaded.SampleCount())
	}
	for i := range p.Reference {
		if math.Abs(loaded.Reference[i]-p.Reference[i]) > 1e-12 {
			t.Errorf("reference[%d] = %v, want %v", i, loaded.Reference[i], p.Reference[i])
		}
	}
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("error = %v, want ErrNotEnrolled", err)
	}
}

func TestLoadProfileCorrupt(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		data string
	}{
		{"not json", "{{{"},
		{"wrong version", `{"version": 99, "embeddings": [[1]], "reference": [1]}`},
		{"no embeddings", `{"version": 1, "embeddings": [], "reference": []}`},
		{"dimension mismatch", `{"version": 1, "embeddings": [[1, 2], [1]], "reference": [1, 0]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			if err := os.WriteFile(path, []byte(tt.data), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadProfile(path); !errors.Is(err, ErrProfileCorrupt) {
				t.Errorf("error = %v, want ErrProfileCorrupt", err)
			}
		})
	}
}

func TestLoadProfileIgnoresUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	data := `{"version": 1, "threshold": 0.7, "embeddings": [[1, 0]], "reference": [1, 0], "future_field": {"a": 1}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Threshold != 0.7 {
		t.Errorf("threshold = %v, want 0.7", p.Threshold)
	}
}

func writeTestProfile(t *testing.T, path string, threshold float64, embeddings ...[]float64) {
	t.Helper()
	p := NewProfile(threshold)
	for _, e := range embeddings {
		if err := p.Add(e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := p.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestVerifyThresholdBoundaryInclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	writeTestProfile(t, path, 0.75, []float64{1, 0})

	// cosine 0.5 maps to a score of exactly 0.75
	angle := math.Acos(0.5)
	atBoundary := []float64{math.Cos(angle), math.Sin(angle)}

	v, err := NewVerifier(Config{Mode: ModeEnforce, ProfilePath: path},
		&StaticEmbedder{Vectors: [][]float64{atBoundary}}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	res, err := v.Verify(context.Background(), []float32{0}, 16000)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Accepted {
		t.Errorf("score %v at threshold 0.75 must be accepted", res.Score)
	}
	if math.Abs(res.Score-0.75) > 1e-9 {
		t.Errorf("score = %v, want 0.75", res.Score)
	}
}

func TestVerifyAcceptAndReject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	writeTestProfile(t, path, 0.9, []float64{1, 0})

	tests := []struct {
		name      string
		embedding []float64
		accepted  bool
	}{
		{"matching speaker", []float64{1, 0}, true},             // score 1.0
		{"different speaker", []float64{-1, 0}, false},          // score 0.0
		{"orthogonal speaker", []float64{0, 1}, false},          // score 0.5
		{"near match", []float64{0.999, 0.0447}, true},          // score ~0.9995
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewVerifier(Config{Mode: ModeEnforce, ProfilePath: path},
				&StaticEmbedder{Vectors: [][]float64{tt.embedding}}, logger.NewNop())
			if err != nil {
				t.Fatalf("NewVerifier: %v", err)
			}
			res, err := v.Verify(context.Background(), []float32{0}, 16000)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if res.Accepted != tt.accepted {
				t.Errorf("accepted = %v (score %v), want %v", res.Accepted, res.Score, tt.accepted)
			}
		})
	}
}

func TestVerifyBypassMode(t *testing.T) {
	v, err := NewVerifier(Config{Mode: ModeBypass}, &StaticEmbedder{}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	res, err := v.Verify(context.Background(), []float32{0}, 16000)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Accepted || !res.Bypassed {
		t.Errorf("bypass result = %+v, want accepted and bypassed", res)
	}
}

func TestVerifierEnforceRequiresProfile(t *testing.T) {
	_, err := NewVerifier(Config{
		Mode:        ModeEnforce,
		ProfilePath: filepath.Join(t.TempDir(), "missing.json"),
	}, &StaticEmbedder{}, logger.NewNop())
	if !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("error = %v, want ErrNotEnrolled", err)
	}
}

func TestEnrollMinimumSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	e := NewEnroller(EnrollConfig{ProfilePath: path, Threshold: 0.65, MinSamples: 3},
		&StaticEmbedder{Vectors: [][]float64{{1, 0}, {0.9, 0.1}}}, logger.NewNop())

	utterances := [][]float32{{0.1}, {0.2}}
	if _, err := e.Enroll(context.Background(), utterances, 16000, true); err == nil {
		t.Fatal("expected error with fewer samples than minimum")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("profile was written despite failed enrollment")
	}
}

func TestEnrollAppendVersusOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	ctx := context.Background()

	first := NewEnroller(EnrollConfig{ProfilePath: path, Threshold: 0.65, MinSamples: 2},
		&StaticEmbedder{Vectors: [][]float64{{1, 0}, {0.9, 0.1}}}, logger.NewNop())
	if _, err := first.Enroll(ctx, [][]float32{{0.1}, {0.2}}, 16000, true); err != nil {
		t.Fatalf("initial Enroll: %v", err)
	}

	appender := NewEnroller(EnrollConfig{ProfilePath: path, Threshold: 0.65, MinSamples: 2},
		&StaticEmbedder{Vectors: [][]float64{{0.8, 0.2}}}, logger.NewNop())
	p, err := appender.Enroll(ctx, [][]float32{{0.3}}, 16000, false)
	if err != nil {
		t.Fatalf("append Enroll: %v", err)
	}
	if p.SampleCount() != 3 {
		t.Errorf("appended profile has %d samples, want 3", p.SampleCount())
	}

	replacer := NewEnroller(EnrollConfig{ProfilePath: path, Threshold: 0.65, MinSamples: 2},
		&StaticEmbedder{Vectors: [][]float64{{0, 1}, {0.1, 0.9}}}, logger.NewNop())
	p, err = replacer.Enroll(ctx, [][]float32{{0.4}, {0.5}}, 16000, true)
	if err != nil {
		t.Fatalf("overwrite Enroll: %v", err)
	}
	if p.SampleCount() != 2 {
		t.Errorf("overwritten profile has %d samples, want 2", p.SampleCount())
	}
}

func TestDeleteProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	writeTestProfile(t, path, 0.65, []float64{1, 0})

	if err := DeleteProfile(path); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	if _, err := LoadProfile(path); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("profile still loadable after delete: %v", err)
	}

	// Deleting a missing profile is fine
	if err := DeleteProfile(path); err != nil {
		t.Errorf("DeleteProfile on missing file: %v", err)
	}
}
