package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Audio         AudioConfig         `toml:"audio"`         // Capture device settings
	PTT           PTTConfig           `toml:"ptt"`           // Push-to-talk hotkey settings
	Preprocess    PreprocessConfig    `toml:"preprocess"`    // Signal preprocessing settings
	Verification  VerificationConfig  `toml:"verification"`  // Speaker verification settings
	Transcription TranscriptionConfig `toml:"transcription"` // Transcription provider settings
	Output        OutputConfig        `toml:"output"`        // Transcript delivery settings
	Feedback      FeedbackConfig      `toml:"feedback"`      // Local status/feedback server settings
	Storage       StorageConfig       `toml:"storage"`       // Transcript history persistence settings
	Logging       LoggingConfig       `toml:"logging"`       // Application logging settings
}

// AudioConfig contains capture device configuration
type AudioConfig struct {
	SampleRate  int    `toml:"sample_rate"`  // Capture sample rate in Hz (default: 16000)
	Channels    int    `toml:"channels"`     // Number of input channels (1 for mono)
	FrameSize   int    `toml:"frame_size"`   // Samples per capture frame (default: 1024)
	DeviceName  string `toml:"device_name"`  // Substring match against input device names ("" = default device)
	QueueFrames int    `toml:"queue_frames"` // Capacity of the capture frame queue (default: 256)
}

// PTTConfig contains push-to-talk gate configuration
type PTTConfig struct {
	// Hotkey chords, e.g. "<ctrl>+<shift>+<space>". Any configured chord engages the gate.
	Hotkeys []string `toml:"hotkeys"`

	// ModeHotkeys maps additional chords to a preprocessing mode override for
	// the session they open (e.g. "<ctrl>+<alt>+<space>" = "clean").
	ModeHotkeys map[string]string `toml:"mode_hotkeys"`

	MinDurationMs int `toml:"min_duration_ms"` // Sessions shorter than this are discarded (default: 300)

	// BusyPolicy controls an engage event arriving while the previous session is
	// still finalizing: "drop" (default, notify and ignore) or "queue" (hold one
	// pending engage and open it when the pipeline frees up).
	BusyPolicy string `toml:"busy_policy"`
}

// PreprocessConfig contains signal preprocessing configuration
type PreprocessConfig struct {
	Enabled          bool    `toml:"enabled"`            // Enable the preprocessing chain
	Mode             string  `toml:"mode"`               // "whisper" (full chain), "clean" (no suppression), or "auto"
	Aggressiveness   float64 `toml:"aggressiveness"`     // Spectral suppression strength in [0,1] (default: 0.75)
	HighpassCutoffHz float64 `toml:"highpass_cutoff_hz"` // High-pass cutoff frequency (default: 80)
}

// VerificationConfig contains speaker verification configuration
type VerificationConfig struct {
	Mode                 string   `toml:"mode"`                   // "enforce" (verify every session) or "bypass" (accept all)
	Threshold            float64  `toml:"threshold"`              // Cosine similarity acceptance threshold in [0,1] (default: 0.65)
	MinEnrollmentSamples int      `toml:"min_enrollment_samples"` // Minimum utterances required to enroll (default: 5)
	ProfilePath          string   `toml:"profile_path"`           // Path to the persisted voice profile JSON
	EmbedderCommand      string   `toml:"embedder_command"`       // External speaker-embedding tool executable
	EmbedderArgs         []string `toml:"embedder_args"`          // Extra arguments for the embedding tool
}

// TranscriptionConfig contains transcription provider configuration
type TranscriptionConfig struct {
	Provider         string `toml:"provider"`          // Primary provider: "deepgram" or "whisper"
	FallbackProvider string `toml:"fallback_provider"` // Optional fallback when the primary fails ("" = none)
	Model            string `toml:"model"`             // Provider model identifier (e.g. "nova-3")
	Language         string `toml:"language"`          // Transcription language (e.g. "en")
	Streaming        bool   `toml:"streaming"`         // Stream chunks while PTT is held (deepgram only)

	DeepgramAPIKeyEnv string `toml:"deepgram_api_key_env"` // Environment variable holding the Deepgram API key
	DeepgramBaseURL   string `toml:"deepgram_base_url"`    // Override for the Deepgram endpoint (default: https://api.deepgram.com)
	WhisperServerURL  string `toml:"whisper_server_url"`   // Local whisper-server transcription endpoint

	EndpointTimeoutMs int `toml:"endpoint_timeout_ms"` // Forced finalization wait after the last chunk (default: 600)
	TimeoutSeconds    int `toml:"timeout_seconds"`     // HTTP/connect timeout for provider requests (default: 30)

	RetryMaxAttempts      int `toml:"retry_max_attempts"`       // Retries per provider on transient failure (default: 3)
	RetryInitialBackoffMs int `toml:"retry_initial_backoff_ms"` // Initial retry backoff (default: 250)
	RetryMaxBackoffMs     int `toml:"retry_max_backoff_ms"`     // Backoff cap (default: 4000)

	DictionaryPath  string `toml:"dictionary_path"`  // Optional YAML substitution dictionary
	PrebufferChunks int    `toml:"prebuffer_chunks"` // Chunks buffered before the stream connects (default: 12)
}

// OutputConfig contains transcript delivery configuration
type OutputConfig struct {
	Destinations  []string `toml:"destinations"`  // Any of "stdout", "clipboard" (default: ["stdout"])
	AutoPaste     bool     `toml:"auto_paste"`    // Simulate a paste keystroke after a clipboard write
	Notifications bool     `toml:"notifications"` // Desktop notifications for drops and rejects
}

// FeedbackConfig contains settings for the local status WebSocket server
type FeedbackConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // Listen address (default: "127.0.0.1:8123")
}

// StorageConfig contains transcript history persistence configuration
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"` // Path to the history database ("" disables history)
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,
		"configs/config.toml",
		"config.toml",
	}

	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// Validate validates the configuration and applies defaults
func (c *Config) Validate() error {
	// Audio defaults and ranges
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.SampleRate < 8000 {
		return fmt.Errorf("invalid audio sample_rate: %d (must be >= 8000)", c.Audio.SampleRate)
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.Channels != 1 {
		return fmt.Errorf("invalid audio channels: %d (only mono capture is supported)", c.Audio.Channels)
	}
	if c.Audio.FrameSize == 0 {
		c.Audio.FrameSize = 1024
	}
	if c.Audio.FrameSize < 64 {
		return fmt.Errorf("invalid audio frame_size: %d (must be >= 64)", c.Audio.FrameSize)
	}
	if c.Audio.QueueFrames == 0 {
		c.Audio.QueueFrames = 256
	}

	// PTT
	if len(c.PTT.Hotkeys) == 0 {
		c.PTT.Hotkeys = []string{"<ctrl>+<shift>+<space>"}
	}
	if c.PTT.MinDurationMs == 0 {
		c.PTT.MinDurationMs = 300
	}
	if c.PTT.BusyPolicy == "" {
		c.PTT.BusyPolicy = "drop"
	}
	if c.PTT.BusyPolicy != "drop" && c.PTT.BusyPolicy != "queue" {
		return fmt.Errorf("invalid ptt busy_policy: %s (must be 'drop' or 'queue')", c.PTT.BusyPolicy)
	}

	// Preprocessing
	if c.Preprocess.Mode == "" {
		c.Preprocess.Mode = "whisper"
	}
	if c.Preprocess.Mode != "whisper" && c.Preprocess.Mode != "clean" && c.Preprocess.Mode != "auto" {
		return fmt.Errorf("invalid preprocess mode: %s (must be 'whisper', 'clean', or 'auto')", c.Preprocess.Mode)
	}
	if c.Preprocess.Aggressiveness == 0 {
		c.Preprocess.Aggressiveness = 0.75
	}
	if c.Preprocess.Aggressiveness < 0 || c.Preprocess.Aggressiveness > 1 {
		return fmt.Errorf("invalid preprocess aggressiveness: %f (must be in [0,1])", c.Preprocess.Aggressiveness)
	}
	if c.Preprocess.HighpassCutoffHz == 0 {
		c.Preprocess.HighpassCutoffHz = 80
	}
	if c.Preprocess.HighpassCutoffHz >= float64(c.Audio.SampleRate)/2 {
		return fmt.Errorf("invalid preprocess highpass_cutoff_hz: %f (must be below the Nyquist frequency)", c.Preprocess.HighpassCutoffHz)
	}

	// Verification
	if c.Verification.Mode == "" {
		c.Verification.Mode = "enforce"
	}
	if c.Verification.Mode != "enforce" && c.Verification.Mode != "bypass" {
		return fmt.Errorf("invalid verification mode: %s (must be 'enforce' or 'bypass')", c.Verification.Mode)
	}
	if c.Verification.Threshold == 0 {
		c.Verification.Threshold = 0.65
	}
	if c.Verification.Threshold < 0 || c.Verification.Threshold > 1 {
		return fmt.Errorf("invalid verification threshold: %f (must be in [0,1])", c.Verification.Threshold)
	}
	if c.Verification.MinEnrollmentSamples == 0 {
		c.Verification.MinEnrollmentSamples = 5
	}
	if c.Verification.ProfilePath == "" {
		c.Verification.ProfilePath = "profiles/voice_profile.json"
	}

	// Transcription
	if c.Transcription.Provider == "" {
		c.Transcription.Provider = "deepgram"
	}
	if !validProvider(c.Transcription.Provider) {
		return fmt.Errorf("invalid transcription provider: %s (must be 'deepgram' or 'whisper')", c.Transcription.Provider)
	}
	if c.Transcription.FallbackProvider != "" {
		if !validProvider(c.Transcription.FallbackProvider) {
			return fmt.Errorf("invalid transcription fallback_provider: %s (must be 'deepgram' or 'whisper')", c.Transcription.FallbackProvider)
		}
		if c.Transcription.FallbackProvider == c.Transcription.Provider {
			return fmt.Errorf("transcription fallback_provider must differ from the primary provider")
		}
	}
	if c.Transcription.Streaming && c.Transcription.Provider != "deepgram" {
		return fmt.Errorf("streaming transcription requires the deepgram provider")
	}
	if c.Transcription.Language == "" {
		c.Transcription.Language = "en"
	}
	if c.Transcription.DeepgramAPIKeyEnv == "" {
		c.Transcription.DeepgramAPIKeyEnv = "DEEPGRAM_API_KEY"
	}
	if c.Transcription.DeepgramBaseURL == "" {
		c.Transcription.DeepgramBaseURL = "https://api.deepgram.com"
	}
	if c.Transcription.EndpointTimeoutMs == 0 {
		c.Transcription.EndpointTimeoutMs = 600
	}
	if c.Transcription.TimeoutSeconds == 0 {
		c.Transcription.TimeoutSeconds = 30
	}
	if c.Transcription.RetryMaxAttempts == 0 {
		c.Transcription.RetryMaxAttempts = 3
	}
	if c.Transcription.RetryInitialBackoffMs == 0 {
		c.Transcription.RetryInitialBackoffMs = 250
	}
	if c.Transcription.RetryMaxBackoffMs == 0 {
		c.Transcription.RetryMaxBackoffMs = 4000
	}
	if c.Transcription.PrebufferChunks == 0 {
		c.Transcription.PrebufferChunks = 12
	}

	// Output
	if len(c.Output.Destinations) == 0 {
		c.Output.Destinations = []string{"stdout"}
	}
	for _, dest := range c.Output.Destinations {
		if dest != "stdout" && dest != "clipboard" {
			return fmt.Errorf("invalid output destination: %s (must be 'stdout' or 'clipboard')", dest)
		}
	}

	// Feedback
	if c.Feedback.Addr == "" {
		c.Feedback.Addr = "127.0.0.1:8123"
	}

	// Logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	return nil
}

func validProvider(name string) bool {
	return name == "deepgram" || name == "whisper"
}
