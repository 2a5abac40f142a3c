package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RedKAa/meetbot/internal/audio"
	"github.com/RedKAa/meetbot/internal/config"
	"github.com/RedKAa/meetbot/internal/metrics"
)

const mixedAudioFileName = "mixed_audio.wav"

// audioExtensions are the file types the pipeline picks up from an archive.
var audioExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".flac": true, ".ogg": true,
}

// Participant id extraction patterns, tried in order against the file name.
var participantIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:participant|user)_(\w+)`),
	regexp.MustCompile(`combined_([^_]+_\d+_\d+)`),
}

// Runner orchestrates the post-archive stage. Archives are processed on
// background goroutines; Stop waits for in-flight work up to a grace period
// and then cancels at the next provider boundary.
type Runner struct {
	cfg     *config.PipelineConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	transcribers []Transcriber
	whisper      *WhisperClient
	openai       *OpenAIProvider
	deepgram     *DeepgramProvider
	custom       *CustomSummarizer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner builds the provider set from configuration.
func NewRunner(cfg *config.PipelineConfig, logger *slog.Logger, m *metrics.Metrics) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		openai:   NewOpenAIProvider(cfg.SummarisationAPIKey, cfg.GetRequestTimeout()),
		deepgram: NewDeepgramProvider(cfg.TranscriptionAPIKey, cfg.GetRequestTimeout()),
		custom:   NewCustomSummarizer(),
		ctx:      ctx,
		cancel:   cancel,
	}

	// Transcriber preference: the self-hosted whisper endpoint, then
	// OpenAI, then Deepgram; whichever is configured first wins, with the
	// rest as fallbacks.
	if cfg.WhisperEndpoint != "" {
		whisper, err := NewWhisperClient(WhisperConfig{
			Endpoint:      cfg.WhisperEndpoint,
			APIKey:        cfg.TranscriptionAPIKey,
			Timeout:       cfg.GetRequestTimeout(),
			MaxRetries:    cfg.MaxRetries,
			MaxConcurrent: cfg.MaxConcurrent,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create whisper client: %w", err)
		}
		r.whisper = whisper
		r.transcribers = append(r.transcribers, whisper)
	}
	if r.openai.Available() {
		r.transcribers = append(r.transcribers, r.openai)
	}
	if r.deepgram.Available() {
		r.transcribers = append(r.transcribers, r.deepgram)
	}

	return r, nil
}

// ProcessAsync schedules an archive directory for background processing.
func (r *Runner) ProcessAsync(archiveDir string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Process(r.ctx, archiveDir); err != nil {
			r.logger.Error("Post-archive pipeline failed",
				slog.String("archive_dir", archiveDir),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// TranscriptionStats reports the self-hosted whisper client's request
// counters for the monitoring API. Zero-valued when no endpoint is
// configured.
func (r *Runner) TranscriptionStats() WhisperStats {
	if r.whisper == nil {
		return WhisperStats{}
	}
	return r.whisper.GetStats()
}

// Stop waits for in-flight archives up to the grace period, then cancels.
func (r *Runner) Stop(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		r.logger.Warn("Pipeline grace period expired, cancelling in-flight work")
	}
	r.cancel()
}

// participantTranscript tracks per-participant attribution collected while
// walking the archive.
type participantTranscript struct {
	ParticipantID   string
	AudioPath       string
	Text            string
	ProviderSummary string
}

// Process transcribes and summarises one sealed archive directory.
func (r *Runner) Process(ctx context.Context, archiveDir string) error {
	files, err := findAudioFiles(archiveDir)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		r.logger.Info("Archive contains no audio files", slog.String("archive_dir", archiveDir))
		return nil
	}

	r.logger.Info("Processing archive",
		slog.String("archive_dir", archiveDir),
		slog.Int("audio_files", len(files)),
	)

	language := r.cfg.SummarisationLanguage

	var mixed *TranscriptionResult
	var mixedPath string
	var participants []*participantTranscript

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		result, err := r.transcribe(ctx, path, language)
		r.metrics.RecordTranscription(err == nil, time.Since(start).Seconds())
		if err != nil {
			r.logger.Error("Transcription failed",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
			continue
		}

		// Some providers omit the audio duration; for WAV containers it can
		// be read back from the sealed file's header.
		if result.Duration == 0 {
			if d, derr := audio.GetFileDuration(path); derr == nil {
				result.Duration = d
			}
		}

		if err := writeJSON(path+".transcript.json", result); err != nil {
			r.logger.Error("Failed to write transcript artifact",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
		}

		base := filepath.Base(path)
		if base == mixedAudioFileName {
			mixed = result
			mixedPath = path
		}
		if id := extractParticipantID(base); id != "" {
			participants = append(participants, &participantTranscript{
				ParticipantID:   id,
				AudioPath:       path,
				Text:            result.Text,
				ProviderSummary: result.Summary,
			})
		}
	}

	// Meeting text: the mixed transcript when present, else participant
	// transcripts in discovery order.
	var meetingText string
	var hints SummaryHints
	if mixed != nil {
		meetingText = mixed.Text
		hints.ProviderSummary = mixed.Summary
	} else {
		var parts []string
		for _, p := range participants {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		meetingText = strings.Join(parts, "\n")
		if len(participants) > 0 {
			hints.ProviderSummary = participants[0].ProviderSummary
		}
	}

	meetingSummary := r.summarize(ctx, meetingText, language, hints)
	r.metrics.RecordSummary(meetingSummary.Source)

	summaryPath := filepath.Join(archiveDir, mixedAudioFileName+".summary.json")
	if mixedPath != "" {
		summaryPath = mixedPath + ".summary.json"
	}
	if err := writeJSON(summaryPath, meetingSummary); err != nil {
		r.logger.Error("Failed to write meeting summary",
			slog.String("file", summaryPath),
			slog.String("error", err.Error()),
		)
	}

	for _, p := range participants {
		if err := ctx.Err(); err != nil {
			return err
		}

		partSummary := r.summarize(ctx, p.Text, language, SummaryHints{ProviderSummary: p.ProviderSummary})
		if err := writeJSON(p.AudioPath+".summary.json", partSummary); err != nil {
			r.logger.Error("Failed to write participant summary",
				slog.String("file", p.AudioPath),
				slog.String("error", err.Error()),
			)
		}
	}

	r.logger.Info("Archive processed",
		slog.String("archive_dir", archiveDir),
		slog.Int("participants", len(participants)),
		slog.String("summary_source", meetingSummary.Source),
	)
	return nil
}

// transcribe tries the configured transcription providers in order.
func (r *Runner) transcribe(ctx context.Context, path, language string) (*TranscriptionResult, error) {
	if len(r.transcribers) == 0 {
		return nil, fmt.Errorf("no transcription provider configured")
	}

	var lastErr error
	for i, t := range r.transcribers {
		if i > 0 {
			r.metrics.RecordProviderFallback()
		}

		result, err := t.Transcribe(ctx, path, language)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		r.logger.Warn("Transcription provider failed, trying next",
			slog.String("provider", t.Name()),
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
	}

	return nil, lastErr
}

// summarize runs the summariser fallback chain. The custom extractive
// summariser terminates every chain, so a summary is always produced.
func (r *Runner) summarize(ctx context.Context, text, language string, hints SummaryHints) *SummaryResult {
	for i, s := range r.summarizerChain(language, hints) {
		if i > 0 {
			r.metrics.RecordProviderFallback()
		}

		result, err := s.Summarize(ctx, text, language, hints)
		if err == nil {
			return result
		}
		r.logger.Warn("Summarisation provider failed, trying next",
			slog.String("provider", s.Name()),
			slog.String("error", err.Error()),
		)
	}

	// Unreachable: the custom summariser does not fail.
	return &SummaryResult{Source: r.custom.Name()}
}

// summarizerChain resolves the provider order for the configured selection.
// In auto mode: openai when a key is configured, then deepgram when the
// transcription step already yielded a short summary for English audio,
// then the extractive fallback.
func (r *Runner) summarizerChain(language string, hints SummaryHints) []Summarizer {
	var chain []Summarizer

	appendOpenAI := func() {
		if r.openai.Available() {
			chain = append(chain, r.openai)
		}
	}
	appendDeepgram := func() {
		if hints.ProviderSummary != "" && isEnglish(language) {
			chain = append(chain, r.deepgram)
		}
	}

	switch r.cfg.SummarisationProvider {
	case config.ProviderOpenAI:
		appendOpenAI()
	case config.ProviderDeepgram:
		appendDeepgram()
	case config.ProviderPhoWhisper:
		// PhoWhisper has no summarisation of its own; its short summary,
		// when present, rides in through the deepgram-style hint path.
		appendDeepgram()
	case config.ProviderCustom:
		// fall through to the terminal fallback
	default: // auto
		appendOpenAI()
		appendDeepgram()
	}

	return append(chain, r.custom)
}

// findAudioFiles walks the archive for audio files, sorted by path.
func findAudioFiles(root string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if audioExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk archive %s: %w", root, err)
	}

	sort.Strings(files)
	return files, nil
}

// extractParticipantID matches the file name against the known labeling
// patterns and returns the first captured group.
func extractParticipantID(fileName string) string {
	for _, pattern := range participantIDPatterns {
		if m := pattern.FindStringSubmatch(fileName); m != nil {
			return m[1]
		}
	}
	return ""
}

// writeJSON writes a JSON artifact next to the audio file it describes.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
