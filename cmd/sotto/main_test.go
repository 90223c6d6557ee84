package main

import "testing"

func TestEnrollmentPhraseCyclesPastListLength(t *testing.T) {
	n := len(enrollmentPhrases)

	for i := 0; i < n; i++ {
		if got := enrollmentPhrase(i); got != enrollmentPhrases[i] {
			t.Errorf("phrase %d = %q, want %q", i, got, enrollmentPhrases[i])
		}
	}

	// A sample count above the list length wraps around instead of cutting
	// enrollment short of the configured minimum
	if got := enrollmentPhrase(n); got != enrollmentPhrases[0] {
		t.Errorf("phrase %d = %q, want wrap to %q", n, got, enrollmentPhrases[0])
	}
	if got := enrollmentPhrase(2*n + 3); got != enrollmentPhrases[3] {
		t.Errorf("phrase %d = %q, want %q", 2*n+3, got, enrollmentPhrases[3])
	}
}

func TestStripScheme(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://api.deepgram.com", "api.deepgram.com"},
		{"http://localhost:9000", "localhost:9000"},
		{"wss://api.deepgram.com", "api.deepgram.com"},
		{"api.deepgram.com", "api.deepgram.com"},
	}
	for _, tt := range tests {
		if got := stripScheme(tt.in); got != tt.want {
			t.Errorf("stripScheme(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
