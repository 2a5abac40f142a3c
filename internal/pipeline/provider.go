package pipeline

import (
	"context"
	"strings"
)

// TranscriptionResult is the normalised output of a transcription provider.
type TranscriptionResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Duration   float64 `json:"duration"`
	Language   string  `json:"language,omitempty"`
	// Summary is a provider-supplied short summary, when the transcription
	// API produces one alongside the transcript.
	Summary string `json:"providerSummary,omitempty"`
}

// SummaryResult is the normalised output of a summarisation provider.
type SummaryResult struct {
	Summary     string   `json:"summary"`
	KeyPoints   []string `json:"keyPoints,omitempty"`
	ActionItems []string `json:"actionItems,omitempty"`
	Decisions   []string `json:"decisions,omitempty"`
	Topics      []string `json:"topics,omitempty"`
	Source      string   `json:"source"`
}

// SummaryHints carries context a summariser may use instead of, or in
// addition to, the meeting text.
type SummaryHints struct {
	// ProviderSummary is a short summary already produced by the
	// transcription provider, if any.
	ProviderSummary string
}

// Transcriber converts an audio file into text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, path, language string) (*TranscriptionResult, error)
}

// Summarizer produces a meeting summary from transcript text.
type Summarizer interface {
	Name() string
	Summarize(ctx context.Context, text, language string, hints SummaryHints) (*SummaryResult, error)
}

// isEnglish reports whether a language tag denotes English.
func isEnglish(language string) bool {
	lang := strings.ToLower(language)
	return lang == "en" || strings.HasPrefix(lang, "en-")
}
