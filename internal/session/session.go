package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/22VermeijT/SpeakTogether/internal/audio"
	"github.com/22VermeijT/SpeakTogether/internal/caption"
	"github.com/22VermeijT/SpeakTogether/internal/events"
	"github.com/22VermeijT/SpeakTogether/internal/metrics"
	"github.com/22VermeijT/SpeakTogether/internal/protocol"
	"github.com/22VermeijT/SpeakTogether/internal/recognizer"
)

// ConnState is the connection lifecycle position of a session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateCapturing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateCapturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// Sender delivers one encoded message to the connected client.
type Sender interface {
	Send(data []byte) error
}

// Settings are the per-session pipeline parameters, fixed at creation.
type Settings struct {
	DefaultAudio protocol.AudioConfig
	Segmenter    audio.SegmenterConfig
	Throttle     caption.ThrottleConfig
	Timeout      time.Duration
	EnhanceAfter time.Duration
}

// Deps are the shared collaborators every session uses.
type Deps struct {
	Engine      recognizer.Engine
	Broadcaster *caption.Broadcaster
	Provider    audio.Provider
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Session is one active capture/translation stream. It owns exactly one
// segmenter buffer and one reconciler, and all message handling for its
// connection runs on the connection's read goroutine.
type Session struct {
	ID           string
	StartTime    time.Time
	LastActivity time.Time

	connState      ConnState
	audioConfig    protocol.AudioConfig
	languageConfig protocol.LanguageConfig

	segmenter  *audio.Segmenter
	reconciler *caption.Reconciler

	settings Settings
	deps     Deps
	sender   Sender
	logger   *slog.Logger

	// Capture control
	source        audio.Source
	captureCtx    context.Context
	captureCancel context.CancelFunc

	closed bool

	// Statistics
	messagesReceived uint64
	messagesSent     uint64
	protocolErrors   uint64
	framesProcessed  uint64
	segmentsEmitted  uint64
	recognitions     uint64
	recognitionFails uint64
	enhancements     uint64

	mu sync.RWMutex
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	SessionID        string    `json:"session_id"`
	State            string    `json:"state"`
	StartTime        time.Time `json:"start_time"`
	LastActivity     time.Time `json:"last_activity"`
	DurationSeconds  float64   `json:"duration_seconds"`
	SourceLanguage   string    `json:"source_language"`
	TargetLanguage   string    `json:"target_language"`
	AudioSource      string    `json:"audio_source"`
	MessagesReceived uint64    `json:"messages_received"`
	MessagesSent     uint64    `json:"messages_sent"`
	ProtocolErrors   uint64    `json:"protocol_errors"`
	FramesProcessed  uint64    `json:"frames_processed"`
	SegmentsEmitted  uint64    `json:"segments_emitted"`
	Recognitions     uint64    `json:"recognitions"`
	RecognitionFails uint64    `json:"recognition_fails"`
	Enhancements     uint64    `json:"enhancements"`
}

// NewSession creates a session in the Connecting state.
func NewSession(id string, sender Sender, settings Settings, deps Deps) (*Session, error) {
	segmenter, err := audio.NewSegmenter(settings.Segmenter, protocol.SourceMicrophone)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	now := time.Now()
	return &Session{
		ID:           id,
		StartTime:    now,
		LastActivity: now,
		connState:    StateConnecting,
		audioConfig:  settings.DefaultAudio,
		languageConfig: protocol.LanguageConfig{
			SourceLanguage: settings.DefaultAudio.SourceLanguage,
			TargetLanguage: settings.DefaultAudio.TargetLanguage,
		},
		segmenter:  segmenter,
		reconciler: caption.NewReconciler(settings.Throttle),
		settings:   settings,
		deps:       deps,
		sender:     sender,
		logger:     deps.Logger.With(slog.String("session_id", id)),
	}, nil
}

// MarkConnected moves the session from Connecting to Connected once the
// handshake completes.
func (s *Session) MarkConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connState == StateConnecting {
		s.connState = StateConnected
	}
}

// State reports the connection state.
func (s *Session) State() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connState
}

// HandleMessage dispatches one inbound message. A malformed message is
// dropped with an error notice; it never changes connection state and never
// poisons handling of later valid messages.
func (s *Session) HandleMessage(data []byte) {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.messagesReceived++
	s.mu.Unlock()
	s.deps.Metrics.RecordMessageReceived()

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.dropMalformed(err)
		return
	}

	switch msg.Type {
	case protocol.TypeStartCapture:
		payload, err := msg.StartCapture()
		if err != nil {
			s.dropMalformed(err)
			return
		}
		s.handleStartCapture(payload)

	case protocol.TypeStopCapture:
		s.handleStopCapture()

	case protocol.TypeUpdateLanguageConfig:
		payload, err := msg.LanguageConfig()
		if err != nil {
			s.dropMalformed(err)
			return
		}
		s.handleLanguageConfig(payload)

	case protocol.TypeGetAudioStatus:
		s.handleGetStatus()

	case protocol.TypeGetAudioDevices:
		s.handleGetDevices()

	case protocol.TypeTranscriptionResult:
		// Recognition results can also arrive back over the channel from
		// an external recognizer process.
		payload, err := msg.TranscriptionResult()
		if err != nil {
			s.dropMalformed(err)
			return
		}
		s.handleInboundResult(msg.Timestamp, payload)

	case protocol.TypeAudioChunk:
		// Stream-only payload, valid even before capture starts. Updates
		// volume-derived UI state only; no transcription is implied.
		payload, err := msg.AudioChunk()
		if err != nil {
			s.dropMalformed(err)
			return
		}
		s.handleAudioChunk(msg.Timestamp, payload)

	default:
		s.dropMalformed(fmt.Errorf("%w: unexpected client message type %q", protocol.ErrProtocol, msg.Type))
	}
}

func (s *Session) dropMalformed(err error) {
	s.mu.Lock()
	s.protocolErrors++
	s.mu.Unlock()
	s.deps.Metrics.RecordProtocolError()

	s.logger.Warn("Dropping malformed message",
		slog.String("error", err.Error()))
	s.send(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()})
}

// handleStartCapture starts the capture pipeline. A start while already
// capturing is acknowledged with the current configuration and changes
// nothing.
func (s *Session) handleStartCapture(payload *protocol.StartCapturePayload) {
	s.mu.Lock()
	if s.connState == StateCapturing {
		cfg := s.audioConfig
		s.mu.Unlock()
		s.logger.Debug("Capture already running, acknowledging with current config")
		s.send(protocol.TypeAudioSessionStarted, protocol.StartCapturePayload{AudioConfig: cfg})
		return
	}
	s.mu.Unlock()

	cfg := s.mergeAudioConfig(payload.AudioConfig)
	captureCfg := audio.CaptureConfig{
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		ChunkSize:  cfg.ChunkSize,
	}

	opened, err := s.deps.Provider.Open(cfg.AudioSource, captureCfg)
	if err != nil {
		s.logger.Error("Failed to open audio source",
			slog.String("requested", cfg.AudioSource),
			slog.String("error", err.Error()))
		if errors.Is(err, audio.ErrPermission) {
			s.send(protocol.TypeError, protocol.ErrorPayload{
				Message: "audio capture permission denied; check device access",
			})
		} else {
			s.send(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()})
		}
		return
	}

	cfg.AudioSource = opened.Actual

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.audioConfig = cfg
	s.languageConfig = protocol.LanguageConfig{
		SourceLanguage: cfg.SourceLanguage,
		TargetLanguage: cfg.TargetLanguage,
	}
	s.segmenter.Reset()
	s.source = opened.Source
	s.captureCtx = ctx
	s.captureCancel = cancel
	s.connState = StateCapturing
	s.mu.Unlock()

	if err := opened.Source.Start(ctx, s.onFrame); err != nil {
		cancel()
		s.mu.Lock()
		s.source = nil
		s.connState = StateConnected
		s.mu.Unlock()
		s.logger.Error("Failed to start capture", slog.String("error", err.Error()))
		s.send(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()})
		return
	}

	s.logger.Info("Capture started",
		slog.String("audio_source", opened.Actual),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.String("source_language", cfg.SourceLanguage),
		slog.String("target_language", cfg.TargetLanguage),
	)

	s.send(protocol.TypeAudioSessionStarted, protocol.StartCapturePayload{AudioConfig: cfg})

	status := protocol.SourceStatusPayload{
		Status:          protocol.SourceStatusSuccess,
		RequestedSource: opened.Requested,
		ActualSource:    opened.Actual,
		DeviceName:      opened.DeviceName,
	}
	if opened.Fallback {
		status.Status = protocol.SourceStatusFallback
		status.Message = opened.Message
		s.logger.Warn("Audio source fallback",
			slog.String("requested", opened.Requested),
			slog.String("actual", opened.Actual))
	}
	s.notifySourceStatus(status)
}

// notifySourceStatus runs a source notice through the status gate before it
// reaches the client and the bus. Latest wins; a dropped notice is not
// queued.
func (s *Session) notifySourceStatus(status protocol.SourceStatusPayload) {
	event := caption.StatusEvent{
		SessionID: s.ID,
		Kind:      "audio_source",
		Detail:    status.Status,
		Timestamp: time.Now(),
	}
	if _, ok := s.reconciler.ApplyStatus(event); !ok {
		s.deps.Metrics.RecordUpdateDropped(caption.CategoryStatus.String())
		return
	}
	s.deps.Metrics.RecordUpdateAccepted(caption.CategoryStatus.String())

	s.send(protocol.TypeAudioSourceStatus, status)
	s.deps.Bus.Publish(events.TopicSourceStatus, status)
}

// mergeAudioConfig fills unset request fields with the session defaults.
func (s *Session) mergeAudioConfig(req protocol.AudioConfig) protocol.AudioConfig {
	s.mu.RLock()
	cfg := s.settings.DefaultAudio
	s.mu.RUnlock()

	if req.SampleRate > 0 {
		cfg.SampleRate = req.SampleRate
	}
	if req.Channels > 0 {
		cfg.Channels = req.Channels
	}
	if req.ChunkSize > 0 {
		cfg.ChunkSize = req.ChunkSize
	}
	if req.BufferDuration > 0 {
		cfg.BufferDuration = req.BufferDuration
	}
	if req.AudioSource != "" {
		cfg.AudioSource = req.AudioSource
	}
	if req.SourceLanguage != "" {
		cfg.SourceLanguage = req.SourceLanguage
	}
	if req.TargetLanguage != "" {
		cfg.TargetLanguage = req.TargetLanguage
	}
	return cfg
}

func (s *Session) handleStopCapture() {
	stopped := s.stopCapture()
	if !stopped {
		s.logger.Debug("Stop requested with no capture running")
	}

	s.mu.RLock()
	duration := time.Since(s.StartTime).Seconds()
	s.mu.RUnlock()

	s.send(protocol.TypeAudioSessionEnded, protocol.SessionEndedPayload{
		DurationSeconds: duration,
		Stats:           s.statsMap(),
	})
	s.deps.Bus.Publish(events.TopicSessionEnded, s.ID)
}

// stopCapture halts the source and flushes any pending audio through
// recognition. Returns false when no capture was running.
func (s *Session) stopCapture() bool {
	s.mu.Lock()
	if s.connState != StateCapturing {
		s.mu.Unlock()
		return false
	}
	source := s.source
	cancel := s.captureCancel
	s.source = nil
	s.captureCancel = nil
	s.connState = StateConnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if source != nil {
		if err := source.Stop(); err != nil {
			s.logger.Warn("Error stopping audio source",
				slog.String("error", err.Error()))
		}
	}

	// Final partial segment still gets recognized.
	if segment := s.segmenter.ForceFlush(); segment != nil {
		s.mu.Lock()
		s.segmentsEmitted++
		s.mu.Unlock()
		s.deps.Metrics.RecordSegmentEmitted(segment.Duration.Seconds(), len(segment.PCM))
		s.logger.Debug("Flushing pending audio on capture stop",
			slog.Float64("duration", segment.Duration.Seconds()))
		go s.recognize(*segment)
	}

	s.logger.Info("Capture stopped")
	return true
}

// handleLanguageConfig applies a live language pair update. Capture keeps
// running; the new pair takes effect from the next recognition request.
func (s *Session) handleLanguageConfig(payload *protocol.LanguageConfigPayload) {
	s.mu.Lock()
	if payload.LanguageConfig.SourceLanguage != "" {
		s.languageConfig.SourceLanguage = payload.LanguageConfig.SourceLanguage
		s.audioConfig.SourceLanguage = payload.LanguageConfig.SourceLanguage
	}
	if payload.LanguageConfig.TargetLanguage != "" {
		s.languageConfig.TargetLanguage = payload.LanguageConfig.TargetLanguage
		s.audioConfig.TargetLanguage = payload.LanguageConfig.TargetLanguage
	}
	cfg := s.languageConfig
	s.mu.Unlock()

	s.logger.Info("Language config updated",
		slog.String("source_language", cfg.SourceLanguage),
		slog.String("target_language", cfg.TargetLanguage))

	s.send(protocol.TypeLanguageConfigUpdated, protocol.LanguageConfigPayload{LanguageConfig: cfg})
}

func (s *Session) handleGetStatus() {
	s.mu.RLock()
	payload := map[string]any{
		"state":        s.connState.String(),
		"audio_config": s.audioConfig,
		"capturing":    s.connState == StateCapturing,
	}
	s.mu.RUnlock()
	payload["stats"] = s.statsMap()

	s.send(protocol.TypeAudioStatus, payload)
}

func (s *Session) handleGetDevices() {
	s.send(protocol.TypeAudioDevices, map[string]any{
		"devices": []map[string]string{
			{"id": protocol.SourceMicrophone, "name": "Default microphone"},
			{"id": protocol.SourceSystem, "name": "System audio (loopback)"},
		},
	})
}

// handleAudioChunk merges a client-metered chunk through the volume gate.
// Connection state is untouched.
func (s *Session) handleAudioChunk(timestamp float64, payload *protocol.AudioChunkPayload) {
	volume := caption.VolumeEvent{
		SessionID:     s.ID,
		VolumePercent: payload.AudioMetrics.VolumePercent,
		VolumeDB:      payload.AudioMetrics.VolumeDB,
		Timestamp:     protocol.FromEpochSeconds(timestamp),
	}
	if accepted, ok := s.reconciler.ApplyVolume(volume); ok {
		s.deps.Metrics.RecordUpdateAccepted(caption.CategoryLanguage.String())
		s.deps.Bus.Publish(events.TopicVolumeLevel, accepted)
	} else {
		s.deps.Metrics.RecordUpdateDropped(caption.CategoryLanguage.String())
	}
}

// handleInboundResult merges a transcription_result delivered over the
// channel. The payload decoder has already folded the legacy "translated"
// field alias into Translation.
func (s *Session) handleInboundResult(timestamp float64, payload *protocol.TranscriptionResultPayload) {
	s.mu.RLock()
	lang := s.languageConfig
	s.mu.RUnlock()

	when := protocol.FromEpochSeconds(timestamp)

	if payload.IsEnhancement {
		s.OnEnhancement(&caption.EnhancementEvent{
			SessionID:           s.ID,
			RefersTo:            payload.Data.Transcript,
			ImprovedTranslation: payload.Data.Translation.Text,
			AppliedBy:           "polisher",
			Timestamp:           when,
		})
		return
	}

	sourceLang := payload.Data.Translation.SourceLanguage
	if sourceLang == "" {
		sourceLang = lang.SourceLanguage
	}
	targetLang := payload.Data.Translation.TargetLanguage
	if targetLang == "" {
		targetLang = lang.TargetLanguage
	}

	s.OnTranscription(&caption.TranscriptionEvent{
		SessionID:        s.ID,
		Text:             payload.Data.Transcript,
		Translation:      payload.Data.Translation.Text,
		Confidence:       payload.Data.Confidence,
		DetectedLanguage: payload.Data.LanguageDetected,
		SourceLanguage:   sourceLang,
		TargetLanguage:   targetLang,
		ServiceType:      payload.Data.ServiceType,
		Timestamp:        when,
		IsRealTime:       true,
	})
}

// onFrame is the capture callback. It meters loudness, forwards volume
// state through the reconciler's gate, and feeds the segmenter.
func (s *Session) onFrame(frame audio.Frame) {
	s.mu.Lock()
	s.framesProcessed++
	s.mu.Unlock()
	s.deps.Metrics.RecordFrameProcessed()

	levels := audio.MeterLevels(frame.PCM)

	volume := caption.VolumeEvent{
		SessionID:     s.ID,
		VolumePercent: levels.VolumePercent,
		VolumeDB:      levels.VolumeDB,
		Timestamp:     frame.Timestamp,
	}
	if accepted, ok := s.reconciler.ApplyVolume(volume); ok {
		s.deps.Metrics.RecordUpdateAccepted(caption.CategoryLanguage.String())
		s.send(protocol.TypeAudioChunk, protocol.AudioChunkPayload{
			AudioData: protocol.AudioChunkInfo{
				SizeBytes:       len(frame.PCM),
				Timestamp:       protocol.EpochSeconds(frame.Timestamp),
				DurationSeconds: frame.Duration.Seconds(),
				SampleRate:      s.currentAudioConfig().SampleRate,
				Channels:        s.currentAudioConfig().Channels,
			},
			AudioMetrics: protocol.AudioMetrics{
				VolumeDB:      levels.VolumeDB,
				VolumePercent: levels.VolumePercent,
				RMS:           levels.RMS,
			},
		})
		s.deps.Bus.Publish(events.TopicVolumeLevel, accepted)
	} else {
		s.deps.Metrics.RecordUpdateDropped(caption.CategoryLanguage.String())
	}

	s.mu.Lock()
	segment := s.segmenter.Ingest(frame)
	if segment != nil {
		s.segmentsEmitted++
	}
	s.mu.Unlock()

	if segment != nil {
		s.deps.Metrics.RecordSegmentEmitted(segment.Duration.Seconds(), len(segment.PCM))
		s.logger.Debug("Speech segment emitted",
			slog.Float64("duration", segment.Duration.Seconds()),
			slog.Int("bytes", len(segment.PCM)))
		go s.recognize(*segment)
	}
}

func (s *Session) currentAudioConfig() protocol.AudioConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioConfig
}

// recognitionDeadline bounds one full engine exchange, including the
// engine's internal retries. Per-attempt timeouts live in the engine.
const recognitionDeadline = 2 * time.Minute

// recognize runs one segment through the engine and merges the result.
// Failures are logged and counted, never fatal to the session.
func (s *Session) recognize(segment audio.Segment) {
	s.mu.RLock()
	lang := s.languageConfig
	cfg := s.audioConfig
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), recognitionDeadline)
	defer cancel()

	start := time.Now()
	event, err := s.deps.Engine.Recognize(ctx, &recognizer.RecognizeRequest{
		SessionID:      s.ID,
		Segment:        segment,
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.Channels,
		SourceLanguage: lang.SourceLanguage,
		TargetLanguage: lang.TargetLanguage,
	})
	s.deps.Metrics.RecordRecognition(err == nil, time.Since(start).Seconds())

	if err != nil {
		s.mu.Lock()
		s.recognitionFails++
		s.mu.Unlock()
		s.logger.Error("Recognition failed",
			slog.Float64("segment_duration", segment.Duration.Seconds()),
			slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.recognitions++
	s.mu.Unlock()

	s.OnTranscription(event)

	if s.settings.EnhanceAfter > 0 && event.Text != "" {
		time.AfterFunc(s.settings.EnhanceAfter, func() {
			s.enhance(event, lang)
		})
	}
}

// enhance runs the polisher second pass for an utterance already shown.
func (s *Session) enhance(base *caption.TranscriptionEvent, lang protocol.LanguageConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), recognitionDeadline)
	defer cancel()

	event, err := s.deps.Engine.Enhance(ctx, &recognizer.EnhanceRequest{
		SessionID:        s.ID,
		Utterance:        base.Text,
		RoughTranslation: base.Translation,
		SourceLanguage:   lang.SourceLanguage,
		TargetLanguage:   lang.TargetLanguage,
	})
	if err != nil {
		s.logger.Warn("Enhancement failed",
			slog.String("error", err.Error()))
		return
	}

	s.OnEnhancement(event)
}

// OnTranscription merges a recognition result into the caption state and,
// if the throttle gate admits it, broadcasts and notifies the client.
// Results arriving after teardown still reconcile but go nowhere.
func (s *Session) OnTranscription(event *caption.TranscriptionEvent) {
	state, ok := s.reconciler.ApplyTranscription(*event)
	if !ok {
		s.deps.Metrics.RecordUpdateDropped(caption.CategoryTranscription.String())
		return
	}
	s.deps.Metrics.RecordUpdateAccepted(caption.CategoryTranscription.String())

	if s.isClosed() {
		return
	}

	delivered := s.deps.Broadcaster.Publish(state)
	s.deps.Metrics.RecordCaptionDelivered(delivered)
	s.deps.Bus.Publish(events.TopicCaptionUpdated, state)

	s.send(protocol.TypeTranscriptionResult, protocol.TranscriptionResultPayload{
		Data: protocol.TranscriptionData{
			Transcript:       event.Text,
			Confidence:       event.Confidence,
			LanguageDetected: event.DetectedLanguage,
			ServiceType:      event.ServiceType,
			Translation: protocol.Translation{
				Text:           event.Translation,
				SourceLanguage: event.SourceLanguage,
				TargetLanguage: event.TargetLanguage,
			},
		},
	})
}

// OnEnhancement merges a polisher revision. The reconciler drops it when the
// base utterance has been superseded.
func (s *Session) OnEnhancement(event *caption.EnhancementEvent) {
	state, ok := s.reconciler.ApplyEnhancement(*event)
	if !ok {
		return
	}

	s.mu.Lock()
	s.enhancements++
	s.mu.Unlock()
	s.deps.Metrics.RecordEnhancementApplied()

	if s.isClosed() {
		return
	}

	delivered := s.deps.Broadcaster.Publish(state)
	s.deps.Metrics.RecordCaptionDelivered(delivered)
	s.deps.Bus.Publish(events.TopicCaptionUpdated, state)

	s.send(protocol.TypeTranscriptionResult, protocol.TranscriptionResultPayload{
		IsEnhancement: true,
		Data: protocol.TranscriptionData{
			Transcript: event.RefersTo,
			Confidence: state.Confidence / 100,
			Translation: protocol.Translation{
				Text:            event.ImprovedTranslation,
				SourceLanguage:  state.SourceLanguage,
				TargetLanguage:  state.TargetLanguage,
				PolisherApplied: true,
			},
		},
	})
}

// CaptionState returns the session's current reconciled caption state.
func (s *Session) CaptionState() caption.State {
	return s.reconciler.State()
}

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.stopCapture()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connState = StateDisconnected
	s.mu.Unlock()

	s.logger.Info("Session closed",
		slog.Duration("duration", time.Since(s.StartTime)))
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// send encodes and delivers one message to the client. Send failures are
// logged; the caller's state never depends on delivery.
func (s *Session) send(msgType string, payload any) {
	data, err := protocol.Encode(msgType, s.ID, time.Now(), payload)
	if err != nil {
		s.logger.Error("Failed to encode message",
			slog.String("type", msgType),
			slog.String("error", err.Error()))
		return
	}

	if err := s.sender.Send(data); err != nil {
		s.logger.Warn("Failed to send message",
			slog.String("type", msgType),
			slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.messagesSent++
	s.mu.Unlock()
	s.deps.Metrics.RecordMessageSent()
}

func (s *Session) statsMap() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"messages_received": s.messagesReceived,
		"messages_sent":     s.messagesSent,
		"protocol_errors":   s.protocolErrors,
		"frames_processed":  s.framesProcessed,
		"segments_emitted":  s.segmentsEmitted,
		"recognitions":      s.recognitions,
		"recognition_fails": s.recognitionFails,
		"enhancements":      s.enhancements,
	}
}

// GetSessionInfo returns session information for monitoring.
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionInfo{
		SessionID:        s.ID,
		State:            s.connState.String(),
		StartTime:        s.StartTime,
		LastActivity:     s.LastActivity,
		DurationSeconds:  time.Since(s.StartTime).Seconds(),
		SourceLanguage:   s.languageConfig.SourceLanguage,
		TargetLanguage:   s.languageConfig.TargetLanguage,
		AudioSource:      s.audioConfig.AudioSource,
		MessagesReceived: s.messagesReceived,
		MessagesSent:     s.messagesSent,
		ProtocolErrors:   s.protocolErrors,
		FramesProcessed:  s.framesProcessed,
		SegmentsEmitted:  s.segmentsEmitted,
		Recognitions:     s.recognitions,
		RecognitionFails: s.recognitionFails,
		Enhancements:     s.enhancements,
	}
}
