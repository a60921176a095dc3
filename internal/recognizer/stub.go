package recognizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/22VermeijT/SpeakTogether/internal/caption"
)

// StubEngine stands in for the remote service when no endpoint is
// configured. It produces deterministic placeholder transcriptions so the
// rest of the pipeline can run end to end without network access.
type StubEngine struct {
	logger *slog.Logger

	mu         sync.Mutex
	recognized uint64
	enhanced   uint64
}

// NewStubEngine creates an offline placeholder engine.
func NewStubEngine(logger *slog.Logger) *StubEngine {
	return &StubEngine{logger: logger}
}

func (s *StubEngine) Recognize(_ context.Context, request *RecognizeRequest) (*caption.TranscriptionEvent, error) {
	s.mu.Lock()
	s.recognized++
	n := s.recognized
	s.mu.Unlock()

	text := fmt.Sprintf("(utterance %d, %.1fs %s audio)",
		n, request.Segment.Duration.Seconds(), request.Segment.Source)

	s.logger.Debug("Stub recognition",
		slog.String("session_id", request.SessionID),
		slog.String("text", text))

	return &caption.TranscriptionEvent{
		SessionID:        request.SessionID,
		Text:             text,
		Translation:      text,
		Confidence:       0.5,
		DetectedLanguage: request.SourceLanguage,
		SourceLanguage:   request.SourceLanguage,
		TargetLanguage:   request.TargetLanguage,
		ServiceType:      "stub",
		Timestamp:        request.Segment.StartTime,
		IsRealTime:       true,
	}, nil
}

func (s *StubEngine) Enhance(_ context.Context, request *EnhanceRequest) (*caption.EnhancementEvent, error) {
	s.mu.Lock()
	s.enhanced++
	s.mu.Unlock()

	improved := strings.TrimSpace(request.RoughTranslation)
	if improved == "" {
		improved = strings.TrimSpace(request.Utterance)
	}

	return &caption.EnhancementEvent{
		SessionID:           request.SessionID,
		RefersTo:            request.Utterance,
		ImprovedTranslation: improved,
		AppliedBy:           "polisher",
		Timestamp:           time.Now(),
	}, nil
}

func (s *StubEngine) Close() error {
	return nil
}

// NewEngine selects the HTTP client when an endpoint is configured and the
// stub otherwise.
func NewEngine(config Config, logger *slog.Logger) (Engine, error) {
	if config.Endpoint == "" {
		logger.Warn("No recognition endpoint configured, using stub engine")
		return NewStubEngine(logger), nil
	}
	return NewClient(config, logger)
}
