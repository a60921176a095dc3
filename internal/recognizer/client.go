package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/22VermeijT/SpeakTogether/internal/audio"
	"github.com/22VermeijT/SpeakTogether/internal/caption"
	"github.com/22VermeijT/SpeakTogether/internal/metrics"
)

// Engine is the external speech/translation capability. Recognize turns one
// speech segment into a transcription with a rough translation; Enhance is
// the slower second pass that revises the translation of an utterance
// already on screen.
type Engine interface {
	Recognize(ctx context.Context, request *RecognizeRequest) (*caption.TranscriptionEvent, error)
	Enhance(ctx context.Context, request *EnhanceRequest) (*caption.EnhancementEvent, error)
	Close() error
}

// RecognizeRequest carries one segment to the engine.
type RecognizeRequest struct {
	SessionID      string
	Segment        audio.Segment
	SampleRate     int
	Channels       int
	SourceLanguage string
	TargetLanguage string
}

// EnhanceRequest asks for an improved translation of an utterance.
type EnhanceRequest struct {
	SessionID        string
	Utterance        string
	RoughTranslation string
	SourceLanguage   string
	TargetLanguage   string
}

// Config contains recognition client configuration.
type Config struct {
	Endpoint      string
	EnhanceURL    string
	APIKey        string
	Model         string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	Metrics       *metrics.Metrics
}

// Client calls the recognition service over HTTP with retry, exponential
// backoff, and a concurrency cap.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{}
	logger     *slog.Logger

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// ClientStats represents client statistics.
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// recognizeResponse is the service's reply to a recognition request.
type recognizeResponse struct {
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	Language         string  `json:"language,omitempty"`
	Translation      string  `json:"translation,omitempty"`
	ServiceType      string  `json:"service_type,omitempty"`
	ProcessingTimeMS float64 `json:"processing_time_ms,omitempty"`
}

// enhanceResponse is the service's reply to an enhancement request.
type enhanceResponse struct {
	ImprovedTranslation string `json:"improved_translation"`
	AppliedBy           string `json:"applied_by,omitempty"`
}

// NewClient creates a recognition HTTP client.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.EnhanceURL == "" {
		config.EnhanceURL = strings.TrimRight(config.Endpoint, "/") + "/enhance"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger,
	}, nil
}

// Recognize sends one speech segment for transcription and translation.
func (c *Client) Recognize(ctx context.Context, request *RecognizeRequest) (*caption.TranscriptionEvent, error) {
	var resp recognizeResponse
	err := c.withRetry(ctx, func(ctx context.Context) error {
		body, contentType, err := c.createMultipartRequest(request)
		if err != nil {
			return fmt.Errorf("failed to create multipart request: %w", err)
		}
		return c.doRequest(ctx, c.config.Endpoint, contentType, body, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("recognition failed after %d attempts: %w", c.config.MaxRetries+1, err)
	}

	serviceType := resp.ServiceType
	if serviceType == "" {
		serviceType = "remote"
	}

	return &caption.TranscriptionEvent{
		SessionID:        request.SessionID,
		Text:             resp.Text,
		Translation:      resp.Translation,
		Confidence:       resp.Confidence,
		DetectedLanguage: resp.Language,
		SourceLanguage:   request.SourceLanguage,
		TargetLanguage:   request.TargetLanguage,
		ServiceType:      serviceType,
		Timestamp:        request.Segment.StartTime,
		IsRealTime:       true,
	}, nil
}

// Enhance asks the polisher stage for a better translation of an utterance.
func (c *Client) Enhance(ctx context.Context, request *EnhanceRequest) (*caption.EnhancementEvent, error) {
	payload, err := json.Marshal(map[string]string{
		"session_id":      request.SessionID,
		"utterance":       request.Utterance,
		"translation":     request.RoughTranslation,
		"source_language": request.SourceLanguage,
		"target_language": request.TargetLanguage,
		"model":           c.config.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode enhance request: %w", err)
	}

	var resp enhanceResponse
	err = c.withRetry(ctx, func(ctx context.Context) error {
		return c.doRequest(ctx, c.config.EnhanceURL, "application/json", bytes.NewReader(payload), &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("enhancement failed after %d attempts: %w", c.config.MaxRetries+1, err)
	}

	appliedBy := resp.AppliedBy
	if appliedBy == "" {
		appliedBy = "polisher"
	}

	return &caption.EnhancementEvent{
		SessionID:           request.SessionID,
		RefersTo:            request.Utterance,
		ImprovedTranslation: resp.ImprovedTranslation,
		AppliedBy:           appliedBy,
		Timestamp:           time.Now(),
	}, nil
}

// withRetry runs one request attempt under the concurrency cap, retrying
// retryable failures with exponential backoff.
func (c *Client) withRetry(ctx context.Context, attempt func(ctx context.Context) error) error {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	var lastErr error
	for try := 0; try <= c.config.MaxRetries; try++ {
		if try > 0 {
			c.incrementTotalRetries()
			c.config.Metrics.RecordRecognitionRetry()

			backoff := time.Duration(math.Pow(2, float64(try-1))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := attempt(ctx)
		if err == nil {
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(time.Since(startTime))
			return nil
		}

		lastErr = err
		if !c.isRetryableError(err) {
			break
		}

		c.logger.Warn("Recognition request failed, will retry",
			slog.Int("attempt", try+1),
			slog.String("error", err.Error()))
	}

	c.incrementFailedRequests()
	return lastErr
}

// doRequest performs a single HTTP request and decodes the JSON response
// into out.
func (c *Client) doRequest(ctx context.Context, url, contentType string, body io.Reader, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "SpeakTogether/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return nil
}

// createMultipartRequest builds the multipart/form-data body carrying the
// segment audio plus its metadata fields.
func (c *Client) createMultipartRequest(request *RecognizeRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	requestID := uuid.New().String()

	if len(request.Segment.PCM) > 0 {
		fileWriter, err := writer.CreateFormFile("file", requestID+".pcm")
		if err != nil {
			return nil, "", fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := fileWriter.Write(request.Segment.PCM); err != nil {
			return nil, "", fmt.Errorf("failed to write audio data: %w", err)
		}
	}

	fields := map[string]string{
		"request_id":      requestID,
		"session_id":      request.SessionID,
		"audio_source":    request.Segment.Source,
		"sample_rate":     fmt.Sprintf("%d", request.SampleRate),
		"channels":        fmt.Sprintf("%d", request.Channels),
		"duration":        fmt.Sprintf("%.3f", request.Segment.Duration.Seconds()),
		"start_time":      request.Segment.StartTime.Format(time.RFC3339Nano),
		"source_language": request.SourceLanguage,
		"target_language": request.TargetLanguage,
		"response_format": "json",
	}
	if c.config.Model != "" {
		fields["model"] = c.config.Model
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

// isRetryableError determines if a failed attempt is worth repeating.
func (c *Client) isRetryableError(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}

	errStr := err.Error()

	// 5xx server errors and rate limiting are retryable.
	if strings.Contains(errStr, "HTTP error 5") || strings.Contains(errStr, "HTTP error 429") {
		return true
	}

	// Network/connection errors are typically retryable.
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") {
		return true
	}

	return false
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics.
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close gracefully shuts down the client, waiting for active requests.
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
