package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

const deepgramListenURL = "https://api.deepgram.com/v1/listen"

// DeepgramProvider transcribes through the prerecorded listen API. When the
// request asks for summarisation, Deepgram returns a short summary alongside
// the transcript, which the pipeline may reuse as a meeting summary for
// English audio.
type DeepgramProvider struct {
	apiKey     string
	httpClient *http.Client
}

// NewDeepgramProvider creates a Deepgram-backed provider.
func NewDeepgramProvider(apiKey string, timeout time.Duration) *DeepgramProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &DeepgramProvider{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name identifies this provider in logs and summary artifacts.
func (p *DeepgramProvider) Name() string {
	return "deepgram"
}

// Available reports whether the provider has a credential configured.
func (p *DeepgramProvider) Available() bool {
	return p.apiKey != ""
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
		Summary struct {
			Short string `json:"short"`
		} `json:"summary"`
	} `json:"results"`
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
}

// Transcribe posts the audio file to the prerecorded listen endpoint.
func (p *DeepgramProvider) Transcribe(ctx context.Context, path, language string) (*TranscriptionResult, error) {
	if !p.Available() {
		return nil, fmt.Errorf("deepgram API key not configured")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file %s: %w", path, err)
	}
	defer file.Close()

	query := url.Values{}
	query.Set("model", "nova-2")
	query.Set("smart_format", "true")
	if language != "" {
		query.Set("language", language)
	}
	if isEnglish(language) {
		// The summarize feature is English-only.
		query.Set("summarize", "v2")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", deepgramListenURL+"?"+query.Encode(), file)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var dr deepgramResponse
	if err := json.Unmarshal(respBody, &dr); err != nil {
		return nil, fmt.Errorf("failed to parse listen response: %w", err)
	}

	if len(dr.Results.Channels) == 0 || len(dr.Results.Channels[0].Alternatives) == 0 {
		return nil, fmt.Errorf("listen response contained no transcript")
	}

	alt := dr.Results.Channels[0].Alternatives[0]
	return &TranscriptionResult{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Duration:   dr.Metadata.Duration,
		Language:   language,
		Summary:    dr.Results.Summary.Short,
	}, nil
}

// Summarize reuses the short summary the transcription step already
// produced. Deepgram has no standalone text summarisation endpoint, so this
// only succeeds when a provider summary exists and the audio is English.
func (p *DeepgramProvider) Summarize(ctx context.Context, text, language string, hints SummaryHints) (*SummaryResult, error) {
	if hints.ProviderSummary == "" {
		return nil, fmt.Errorf("no provider summary available from transcription")
	}
	if !isEnglish(language) {
		return nil, fmt.Errorf("deepgram summarisation supports English only, got %q", language)
	}

	return &SummaryResult{
		Summary: hints.ProviderSummary,
		Source:  p.Name(),
	}, nil
}
