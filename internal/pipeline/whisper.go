package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// WhisperConfig contains configuration for the self-hosted PhoWhisper
// transcription endpoint.
type WhisperConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// WhisperClient is the HTTP client for a self-hosted PhoWhisper-style
// transcription service. Requests are multipart uploads of the audio file
// plus metadata fields; retries use exponential backoff and concurrency is
// bounded by a semaphore.
type WhisperClient struct {
	config     WhisperConfig
	httpClient *http.Client
	semaphore  chan struct{}

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64

	mu sync.RWMutex
}

// whisperResponse is the transcription endpoint's JSON response.
type whisperResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Duration   float64 `json:"duration"`
	Language   string  `json:"language"`
	Summary    string  `json:"summary"`
}

// WhisperStats represents client statistics
type WhisperStats struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	TotalRetries    uint64  `json:"total_retries"`
}

// NewWhisperClient creates a new transcription HTTP client
func NewWhisperClient(config WhisperConfig) (*WhisperClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &WhisperClient{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Name identifies this provider in logs and summary artifacts.
func (c *WhisperClient) Name() string {
	return "pho-whisper"
}

// Transcribe uploads an audio file for transcription, retrying transient
// failures with exponential backoff.
func (c *WhisperClient) Transcribe(ctx context.Context, path, language string) (*TranscriptionResult, error) {
	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.incrementTotalRequests()

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		attempts++
		result, err := c.doRequest(ctx, path, language)
		if err == nil {
			c.incrementSuccessRequests()
			return result, nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.incrementFailedRequests()
	return nil, fmt.Errorf("transcription failed after %d attempts: %w", attempts, lastErr)
}

// doRequest performs a single HTTP request to the transcription endpoint
func (c *WhisperClient) doRequest(ctx context.Context, path, language string) (*TranscriptionResult, error) {
	body, contentType, err := c.createMultipartRequest(path, language)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
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

	var wr whisperResponse
	if err := json.Unmarshal(respBody, &wr); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return &TranscriptionResult{
		Text:       wr.Text,
		Confidence: wr.Confidence,
		Duration:   wr.Duration,
		Language:   wr.Language,
		Summary:    wr.Summary,
	}, nil
}

// createMultipartRequest builds a multipart/form-data body with the audio
// file and request metadata.
func (c *WhisperClient) createMultipartRequest(path, language string) (io.Reader, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open audio file %s: %w", path, err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(fileWriter, file); err != nil {
		return nil, "", fmt.Errorf("failed to copy audio data: %w", err)
	}

	fields := map[string]string{
		"model":           "pho-whisper-large",
		"response_format": "json",
	}
	if language != "" {
		fields["language"] = language
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// isRetryableError determines if an error is retryable
func isRetryableError(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}

	errStr := err.Error()

	// 5xx server errors and rate limiting are retryable
	if strings.Contains(errStr, "HTTP error 5") || strings.Contains(errStr, "HTTP error 429") {
		return true
	}

	// Network/connection errors are typically retryable
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") {
		return true
	}

	return false
}

// Statistics methods
func (c *WhisperClient) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *WhisperClient) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *WhisperClient) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *WhisperClient) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

// GetStats returns current client statistics
func (c *WhisperClient) GetStats() WhisperStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return WhisperStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
	}
}
