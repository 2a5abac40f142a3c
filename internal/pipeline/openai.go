package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	openaiTranscriptionURL = "https://api.openai.com/v1/audio/transcriptions"
	openaiChatURL          = "https://api.openai.com/v1/chat/completions"
	openaiWhisperModel     = "whisper-1"
	openaiChatModel        = "gpt-4o-mini"
)

// OpenAIProvider transcribes through the Whisper API and summarises through
// the chat completions API. It implements both Transcriber and Summarizer.
type OpenAIProvider struct {
	apiKey     string
	httpClient *http.Client
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(apiKey string, timeout time.Duration) *OpenAIProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name identifies this provider in logs and summary artifacts.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Available reports whether the provider has a credential configured.
func (p *OpenAIProvider) Available() bool {
	return p.apiKey != ""
}

type openaiTranscription struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Language string  `json:"language"`
}

// Transcribe uploads the audio file to the Whisper endpoint.
func (p *OpenAIProvider) Transcribe(ctx context.Context, path, language string) (*TranscriptionResult, error) {
	if !p.Available() {
		return nil, fmt.Errorf("openai API key not configured")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file %s: %w", path, err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(fileWriter, file); err != nil {
		return nil, fmt.Errorf("failed to copy audio data: %w", err)
	}

	if err := writer.WriteField("model", openaiWhisperModel); err != nil {
		return nil, fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("failed to write response_format field: %w", err)
	}
	if language != "" {
		if err := writer.WriteField("language", language); err != nil {
			return nil, fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", openaiTranscriptionURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	respBody, err := p.do(req)
	if err != nil {
		return nil, err
	}

	var tr openaiTranscription
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse transcription response: %w", err)
	}

	return &TranscriptionResult{
		Text:       tr.Text,
		Confidence: 0.9, // Whisper does not expose a transcript-level confidence
		Duration:   tr.Duration,
		Language:   tr.Language,
	}, nil
}

type openaiChatRequest struct {
	Model          string              `json:"model"`
	Messages       []openaiChatMessage `json:"messages"`
	Temperature    float64             `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type openaiChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const summarySystemPrompt = `You are a meeting summarisation assistant. ` +
	`Given a meeting transcript, respond with a JSON object with the keys ` +
	`"summary" (a concise paragraph), "keyPoints" (up to 5 strings), ` +
	`"actionItems" (up to 3 strings), "decisions" (up to 3 strings) and ` +
	`"topics" (up to 5 strings). Respond in the transcript's language.`

// Summarize asks the chat model for a structured meeting summary.
func (p *OpenAIProvider) Summarize(ctx context.Context, text, language string, hints SummaryHints) (*SummaryResult, error) {
	if !p.Available() {
		return nil, fmt.Errorf("openai API key not configured")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no transcript text to summarise")
	}

	chatReq := openaiChatRequest{
		Model:       openaiChatModel,
		Temperature: 0.3,
		Messages: []openaiChatMessage{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Language: %s\n\nTranscript:\n%s", language, text)},
		},
	}
	chatReq.ResponseFormat.Type = "json_object"

	payload, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", openaiChatURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	respBody, err := p.do(req)
	if err != nil {
		return nil, err
	}

	var chatResp openaiChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse chat response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("empty chat response")
	}

	var result SummaryResult
	if err := json.Unmarshal([]byte(chatResp.Choices[0].Message.Content), &result); err != nil {
		return nil, fmt.Errorf("failed to parse summary JSON: %w", err)
	}
	if result.Summary == "" {
		return nil, fmt.Errorf("chat response contained no summary")
	}

	result.Source = p.Name()
	return &result, nil
}

func (p *OpenAIProvider) do(req *http.Request) ([]byte, error) {
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

	return respBody, nil
}
