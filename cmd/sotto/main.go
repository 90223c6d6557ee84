package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/yegors/sotto/internal/audio"
	"github.com/yegors/sotto/internal/config"
	"github.com/yegors/sotto/internal/dsp"
	"github.com/yegors/sotto/internal/feedback"
	"github.com/yegors/sotto/internal/hotkey"
	"github.com/yegors/sotto/internal/output"
	"github.com/yegors/sotto/internal/pipeline"
	"github.com/yegors/sotto/internal/ptt"
	"github.com/yegors/sotto/internal/storage/sqlite"
	"github.com/yegors/sotto/internal/transcription"
	"github.com/yegors/sotto/internal/voiceprint"
	"github.com/yegors/sotto/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

// Enrollment phrases read aloud during profile creation. Chosen for phonetic
// coverage at whisper volume.
var enrollmentPhrases = []string{
	"The quick brown fox jumps over the lazy dog",
	"Pack my box with five dozen liquor jugs",
	"How vexingly quick daft zebras jump",
	"Sphinx of black quartz, judge my vow",
	"The five boxing wizards jump quickly",
	"Bright vixens jump; dozy fowl quack",
	"Quick zephyrs blow, vexing daft Jim",
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	modeOverride := flag.String("mode", "", "Preprocessing mode override: whisper, clean, or auto")
	overwrite := flag.Bool("overwrite", false, "Replace the existing voice profile when enrolling")
	flag.Parse()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *modeOverride != "" {
		cfg.Preprocess.Mode = *modeOverride
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	verb := flag.Arg(0)
	if verb == "" {
		verb = "run"
	}

	switch verb {
	case "run":
		if err := runDaemon(cfg, log); err != nil {
			log.Error("Fatal error", logger.Error(err))
			os.Exit(1)
		}
	case "enroll":
		if err := runEnroll(cfg, log, *overwrite); err != nil {
			log.Error("Enrollment failed", logger.Error(err))
			os.Exit(1)
		}
	case "clear-profile":
		if err := voiceprint.DeleteProfile(cfg.Verification.ProfilePath); err != nil {
			log.Error("Failed to clear profile", logger.Error(err))
			os.Exit(1)
		}
		log.Info("Voice profile cleared", logger.String("path", cfg.Verification.ProfilePath))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q (expected run, enroll, or clear-profile)\n", verb)
		os.Exit(2)
	}
}

func runDaemon(cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting sotto",
		logger.String("version", Version),
		logger.String("verification_mode", cfg.Verification.Mode),
		logger.String("provider", cfg.Transcription.Provider),
		logger.Bool("streaming", cfg.Transcription.Streaming))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifier, err := buildVerifier(cfg, log)
	if err != nil {
		if errors.Is(err, voiceprint.ErrNotEnrolled) {
			return fmt.Errorf("no voice profile at %s; run 'sotto enroll' first (or set verification mode to 'bypass'): %w",
				cfg.Verification.ProfilePath, err)
		}
		return err
	}

	dispatcher, err := buildDispatcher(cfg, log)
	if err != nil {
		return err
	}

	dict, err := transcription.LoadDictionary(cfg.Transcription.DictionaryPath)
	if err != nil {
		return err
	}

	sink, err := buildSink(cfg, log)
	if err != nil {
		return err
	}
	notifier := output.NewNotifier(cfg.Output.Notifications, log)

	var history *sqlite.HistoryStorage
	if cfg.Storage.SQLitePath != "" {
		db, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		history, err = sqlite.NewHistoryStorage(db, log)
		if err != nil {
			return err
		}
		log.Info("History enabled", logger.String("path", cfg.Storage.SQLitePath))
	}

	var fb *feedback.Server
	if cfg.Feedback.Enabled {
		var reader feedback.HistoryReader
		if history != nil {
			reader = history
		}
		fb = feedback.NewServer(cfg.Feedback.Addr, reader, log)
		if err := fb.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			fb.Shutdown(shutdownCtx)
		}()
	}

	queue := audio.NewFrameQueue(cfg.Audio.QueueFrames)
	capture := audio.NewCapture(audio.Config{
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		FrameSize:   cfg.Audio.FrameSize,
		DeviceName:  cfg.Audio.DeviceName,
		QueueFrames: cfg.Audio.QueueFrames,
	}, queue, log)

	gate := ptt.NewGate(ptt.Config{
		SampleRate:  cfg.Audio.SampleRate,
		MinDuration: time.Duration(cfg.PTT.MinDurationMs) * time.Millisecond,
		BusyPolicy:  cfg.PTT.BusyPolicy,
	}, log)

	pre := dsp.NewPreprocessor(dsp.Config{
		SampleRate:       cfg.Audio.SampleRate,
		Mode:             cfg.Preprocess.Mode,
		Aggressiveness:   cfg.Preprocess.Aggressiveness,
		HighpassCutoffHz: cfg.Preprocess.HighpassCutoffHz,
	}, log)

	var feedbackDep pipeline.Broadcaster
	if fb != nil {
		feedbackDep = fb
	}
	var historyDep pipeline.History
	if history != nil {
		historyDep = history
	}

	pipe := pipeline.New(pipeline.Deps{
		Queue:      queue,
		Gate:       gate,
		Pre:        preprocessor(cfg, pre),
		Verifier:   verifier,
		Dispatcher: dispatcher,
		Dictionary: dict,
		Sink:       sink,
		Notifier:   notifier,
		History:    historyDep,
		Feedback:   feedbackDep,
		Logger:     log,
	})

	bindings, err := buildBindings(cfg)
	if err != nil {
		return err
	}
	source := hotkey.NewHookSource()
	listener, err := hotkey.NewListener(source, bindings, pipe, log)
	if err != nil {
		return err
	}
	defer listener.Close()

	if err := capture.Start(); err != nil {
		return err
	}
	defer capture.Stop()

	go pipe.Run(ctx)
	go listener.Run(ctx)

	log.Info("Ready, hold the hotkey to dictate",
		logger.String("hotkey", bindings[0].Chord.String()))

	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}

// preprocessor returns the configured chain, or a passthrough when
// preprocessing is disabled
func preprocessor(cfg *config.Config, pre *dsp.Preprocessor) pipeline.Preprocessor {
	if !cfg.Preprocess.Enabled {
		return passthrough{}
	}
	return pre
}

type passthrough struct{}

func (passthrough) Process(samples []float32) []float32 { return samples }

func buildVerifier(cfg *config.Config, log *logger.Logger) (*voiceprint.Verifier, error) {
	var embedder voiceprint.Embedder
	if cfg.Verification.Mode == voiceprint.ModeEnforce {
		if cfg.Verification.EmbedderCommand == "" {
			return nil, fmt.Errorf("verification is enforced but no embedder_command is configured")
		}
		embedder = voiceprint.NewExecEmbedder(cfg.Verification.EmbedderCommand, cfg.Verification.EmbedderArgs, log)
	}
	return voiceprint.NewVerifier(voiceprint.Config{
		Mode:        cfg.Verification.Mode,
		ProfilePath: cfg.Verification.ProfilePath,
	}, embedder, log)
}

func buildDispatcher(cfg *config.Config, log *logger.Logger) (*transcription.Dispatcher, error) {
	tc := cfg.Transcription

	var deepgram *transcription.Deepgram
	newDeepgram := func() (*transcription.Deepgram, error) {
		if deepgram != nil {
			return deepgram, nil
		}
		key := os.Getenv(tc.DeepgramAPIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("deepgram API key not set (environment variable %s)", tc.DeepgramAPIKeyEnv)
		}
		deepgram = transcription.NewDeepgram(transcription.DeepgramConfig{
			APIKey:       key,
			BaseURL:      stripScheme(tc.DeepgramBaseURL),
			Model:        tc.Model,
			Language:     tc.Language,
			FinalizeWait: time.Duration(tc.EndpointTimeoutMs) * time.Millisecond,
		}, log)
		return deepgram, nil
	}
	newWhisper := func() (*transcription.WhisperServer, error) {
		if tc.WhisperServerURL == "" {
			return nil, fmt.Errorf("whisper provider selected but whisper_server_url is not configured")
		}
		return transcription.NewWhisperServer(transcription.WhisperServerConfig{
			URL:     tc.WhisperServerURL,
			Model:   tc.Model,
			Timeout: time.Duration(tc.TimeoutSeconds) * time.Second,
		}, log), nil
	}

	batchFor := func(name string) (transcription.BatchProvider, error) {
		switch name {
		case "deepgram":
			return newDeepgram()
		case "whisper":
			return newWhisper()
		default:
			return nil, fmt.Errorf("unknown transcription provider: %s", name)
		}
	}

	batch, err := batchFor(tc.Provider)
	if err != nil {
		return nil, err
	}

	var fallback transcription.BatchProvider
	if tc.FallbackProvider != "" {
		if fallback, err = batchFor(tc.FallbackProvider); err != nil {
			return nil, err
		}
	}

	var streaming transcription.StreamingProvider
	if tc.Streaming {
		if streaming, err = newDeepgram(); err != nil {
			return nil, err
		}
	}

	return transcription.NewDispatcher(transcription.DispatcherConfig{
		SampleRate:          cfg.Audio.SampleRate,
		Streaming:           tc.Streaming,
		PrebufferChunks:     tc.PrebufferChunks,
		RetryMaxAttempts:    tc.RetryMaxAttempts,
		RetryInitialBackoff: time.Duration(tc.RetryInitialBackoffMs) * time.Millisecond,
		RetryMaxBackoff:     time.Duration(tc.RetryMaxBackoffMs) * time.Millisecond,
	}, streaming, transcription.StreamConfig{
		SampleRate: cfg.Audio.SampleRate,
		Model:      tc.Model,
		Language:   tc.Language,
	}, batch, fallback, log), nil
}

func buildSink(cfg *config.Config, log *logger.Logger) (pipeline.Sink, error) {
	var sinks []output.Sink
	for _, dest := range cfg.Output.Destinations {
		switch dest {
		case "stdout":
			sinks = append(sinks, output.StdoutSink{})
		case "clipboard":
			sinks = append(sinks, output.NewClipboardSink(cfg.Output.AutoPaste, log))
		default:
			return nil, fmt.Errorf("unknown output destination: %s", dest)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return output.NewMultiSink(log, sinks...), nil
}

func buildBindings(cfg *config.Config) ([]hotkey.Binding, error) {
	var bindings []hotkey.Binding
	for _, spec := range cfg.PTT.Hotkeys {
		chord, err := hotkey.ParseChord(spec)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, hotkey.Binding{Chord: chord})
	}
	for spec, mode := range cfg.PTT.ModeHotkeys {
		chord, err := hotkey.ParseChord(spec)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, hotkey.Binding{Chord: chord, Mode: mode})
	}
	return bindings, nil
}

func stripScheme(u string) string {
	for _, prefix := range []string{"https://", "http://", "wss://", "ws://"} {
		if strings.HasPrefix(u, prefix) {
			return strings.TrimPrefix(u, prefix)
		}
	}
	return u
}

// runEnroll records the enrollment phrases and writes the voice profile
func runEnroll(cfg *config.Config, log *logger.Logger, overwrite bool) error {
	if cfg.Verification.EmbedderCommand == "" {
		return fmt.Errorf("enrollment requires an embedder_command in the verification config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue := audio.NewFrameQueue(cfg.Audio.QueueFrames)
	capture := audio.NewCapture(audio.Config{
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		FrameSize:   cfg.Audio.FrameSize,
		DeviceName:  cfg.Audio.DeviceName,
		QueueFrames: cfg.Audio.QueueFrames,
	}, queue, log)
	if err := capture.Start(); err != nil {
		return err
	}
	defer capture.Stop()

	pre := dsp.NewPreprocessor(dsp.Config{
		SampleRate:       cfg.Audio.SampleRate,
		Mode:             dsp.ModeClean,
		Aggressiveness:   cfg.Preprocess.Aggressiveness,
		HighpassCutoffHz: cfg.Preprocess.HighpassCutoffHz,
	}, log)

	count := cfg.Verification.MinEnrollmentSamples

	fmt.Printf("Enrolling your voice: %d phrases, whispered as you would dictate.\n", count)
	fmt.Println("Press Enter to start each recording, and Enter again to stop.")

	stdin := bufio.NewReader(os.Stdin)
	var utterances [][]float32
	for i := 0; i < count; i++ {
		fmt.Printf("\n[%d/%d] %q\n", i+1, count, enrollmentPhrase(i))
		fmt.Print("Press Enter to record... ")
		if _, err := stdin.ReadString('\n'); err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		samples, err := recordUntilEnter(ctx, queue, stdin)
		if err != nil {
			return err
		}
		seconds := float64(len(samples)) / float64(cfg.Audio.SampleRate)
		fmt.Printf("Captured %.1fs of audio.\n", seconds)
		utterances = append(utterances, pre.Process(samples))
	}

	embedder := voiceprint.NewExecEmbedder(cfg.Verification.EmbedderCommand, cfg.Verification.EmbedderArgs, log)
	enroller := voiceprint.NewEnroller(voiceprint.EnrollConfig{
		ProfilePath: cfg.Verification.ProfilePath,
		Threshold:   cfg.Verification.Threshold,
		MinSamples:  cfg.Verification.MinEnrollmentSamples,
	}, embedder, log)

	profile, err := enroller.Enroll(ctx, utterances, cfg.Audio.SampleRate, overwrite)
	if err != nil {
		return err
	}

	fmt.Printf("\nProfile saved to %s (%d samples, threshold %.2f).\n",
		cfg.Verification.ProfilePath, profile.SampleCount(), profile.Threshold)
	return nil
}

// enrollmentPhrase cycles through the phrase list, so enrollment can collect
// more samples than there are distinct phrases
func enrollmentPhrase(i int) string {
	return enrollmentPhrases[i%len(enrollmentPhrases)]
}

// recordUntilEnter accumulates frames until the user presses Enter
func recordUntilEnter(ctx context.Context, queue *audio.FrameQueue, stdin *bufio.Reader) ([]float32, error) {
	stopped := make(chan struct{})
	go func() {
		stdin.ReadString('\n')
		close(stopped)
	}()

	// Drop anything queued before recording began
	for len(queue.Frames()) > 0 {
		<-queue.Frames()
	}

	fmt.Print("Recording, press Enter to stop... ")
	var samples []float32
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-stopped:
			return samples, nil
		case frame := <-queue.Frames():
			samples = append(samples, frame.Samples...)
		}
	}
}
