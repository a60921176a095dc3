package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message types sent by UI clients.
const (
	TypeStartCapture         = "start_capture"
	TypeStopCapture          = "stop_capture"
	TypeUpdateLanguageConfig = "update_language_config"
	TypeGetAudioStatus       = "get_audio_status"
	TypeGetAudioDevices      = "get_audio_devices"
)

// Message types sent by the server.
const (
	TypeAudioSessionStarted   = "audio_session_started"
	TypeAudioSessionEnded     = "audio_session_ended"
	TypeAudioChunk            = "audio_chunk"
	TypeTranscription         = "transcription"
	TypeTranscriptionResult   = "transcription_result"
	TypeLanguageConfigUpdated = "language_config_updated"
	TypeAudioSourceStatus     = "audio_source_status"
	TypeAudioStatus           = "audio_status"
	TypeAudioDevices          = "audio_devices"
	TypeError                 = "error"
)

// Audio source identifiers carried in AudioConfig and source status messages.
const (
	SourceMicrophone = "microphone"
	SourceSystem     = "system"
)

// Source status values for audio_source_status messages.
const (
	SourceStatusSuccess  = "success"
	SourceStatusFallback = "fallback"
)

// ErrProtocol marks malformed or unparseable messages. Handlers drop the
// single offending message and leave session state untouched.
var ErrProtocol = errors.New("protocol error")

// Envelope is the common frame every message carries.
// Timestamp is Unix epoch seconds with fractional milliseconds, matching the
// wire format the UI clients speak.
type Envelope struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id"`
	Timestamp float64 `json:"timestamp"`
}

// Message is a parsed inbound message. Payload fields are decoded lazily via
// the typed accessors so that an envelope with a bad payload can still be
// attributed to a session.
type Message struct {
	Envelope
	payload json.RawMessage
}

// AudioConfig describes one capture stream.
type AudioConfig struct {
	SampleRate     int     `json:"sample_rate"`
	Channels       int     `json:"channels"`
	ChunkSize      int     `json:"chunk_size"`
	BufferDuration float64 `json:"buffer_duration"` // seconds
	AudioSource    string  `json:"audio_source"`
	SourceLanguage string  `json:"source_language"`
	TargetLanguage string  `json:"target_language"`
}

// LanguageConfig is the live-updatable language pair of a session.
type LanguageConfig struct {
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// AudioChunkInfo describes one buffered audio chunk without carrying samples.
type AudioChunkInfo struct {
	SizeBytes       int     `json:"size_bytes"`
	Timestamp       float64 `json:"timestamp"`
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate"`
	Channels        int     `json:"channels"`
}

// AudioMetrics carries loudness measurements for volume-derived UI state.
type AudioMetrics struct {
	VolumeDB      float64 `json:"volume_db"`
	VolumePercent float64 `json:"volume_percent"`
	RMS           float64 `json:"rms"`
}

// Translation is the translated portion of a transcription result.
type Translation struct {
	Text            string `json:"text"`
	SourceLanguage  string `json:"source_language"`
	TargetLanguage  string `json:"target_language"`
	PolisherApplied bool   `json:"polisher_applied"`
}

// TranscriptionData is the data block of a transcription_result message.
type TranscriptionData struct {
	Transcript       string      `json:"transcript"`
	Confidence       float64     `json:"confidence"`
	LanguageDetected string      `json:"language_detected"`
	ServiceType      string      `json:"service_type"`
	ProcessingTimeMS float64     `json:"processing_time_ms"`
	Translation      Translation `json:"translation"`
}

type transcriptionDataWire struct {
	Transcript       string       `json:"transcript"`
	Confidence       float64      `json:"confidence"`
	LanguageDetected string       `json:"language_detected"`
	ServiceType      string       `json:"service_type"`
	ProcessingTimeMS float64      `json:"processing_time_ms"`
	Translation      *Translation `json:"translation"`
	// Legacy alias used by older service versions for the translated text.
	// Canonical name is "translation"; "translated" is accepted on input
	// and never emitted.
	Translated *Translation `json:"translated"`
}

// UnmarshalJSON resolves the translation/translated field alias.
func (d *TranscriptionData) UnmarshalJSON(data []byte) error {
	var wire transcriptionDataWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	d.Transcript = wire.Transcript
	d.Confidence = wire.Confidence
	d.LanguageDetected = wire.LanguageDetected
	d.ServiceType = wire.ServiceType
	d.ProcessingTimeMS = wire.ProcessingTimeMS

	switch {
	case wire.Translation != nil:
		d.Translation = *wire.Translation
	case wire.Translated != nil:
		d.Translation = *wire.Translated
	}

	return nil
}

// StartCapturePayload is the payload of a start_capture message.
type StartCapturePayload struct {
	AudioConfig AudioConfig `json:"audio_config"`
}

// LanguageConfigPayload is the payload of an update_language_config message.
type LanguageConfigPayload struct {
	LanguageConfig LanguageConfig `json:"language_config"`
}

// TranscriptionResultPayload is the payload of a transcription_result
// message. IsEnhancement=true means the data block revises an earlier
// utterance instead of introducing a new one.
type TranscriptionResultPayload struct {
	IsEnhancement bool              `json:"is_enhancement"`
	Data          TranscriptionData `json:"data"`
}

// SourceStatusPayload is the payload of an audio_source_status message.
// Status "fallback" is a non-fatal notice, not an error.
type SourceStatusPayload struct {
	Status          string `json:"status"`
	RequestedSource string `json:"requested_source"`
	ActualSource    string `json:"actual_source"`
	DeviceName      string `json:"device_name,omitempty"`
	Message         string `json:"message,omitempty"`
}

// AudioChunkPayload is the payload of an outbound audio_chunk message.
type AudioChunkPayload struct {
	AudioData    AudioChunkInfo `json:"audio_data"`
	AudioMetrics AudioMetrics   `json:"audio_metrics"`
}

// SessionEndedPayload is the payload of an audio_session_ended message.
type SessionEndedPayload struct {
	DurationSeconds float64        `json:"duration_seconds"`
	Stats           map[string]any `json:"stats"`
}

// ErrorPayload is the payload of an error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ParseMessage decodes the envelope of an inbound message and validates its
// type. The payload is retained raw; use the typed accessors to decode it.
func ParseMessage(data []byte) (*Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrProtocol, err)
	}

	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing message type", ErrProtocol)
	}

	if !IsClientMessageType(env.Type) && !IsServerMessageType(env.Type) {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, env.Type)
	}

	return &Message{Envelope: env, payload: json.RawMessage(data)}, nil
}

// StartCapture decodes the message as a start_capture payload.
func (m *Message) StartCapture() (*StartCapturePayload, error) {
	if m.Type != TypeStartCapture {
		return nil, fmt.Errorf("%w: message type is %q, not %q", ErrProtocol, m.Type, TypeStartCapture)
	}

	var p StartCapturePayload
	if err := json.Unmarshal(m.payload, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid start_capture payload: %v", ErrProtocol, err)
	}

	return &p, nil
}

// LanguageConfig decodes the message as an update_language_config payload.
func (m *Message) LanguageConfig() (*LanguageConfigPayload, error) {
	if m.Type != TypeUpdateLanguageConfig {
		return nil, fmt.Errorf("%w: message type is %q, not %q", ErrProtocol, m.Type, TypeUpdateLanguageConfig)
	}

	var p LanguageConfigPayload
	if err := json.Unmarshal(m.payload, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid language config payload: %v", ErrProtocol, err)
	}

	if p.LanguageConfig.SourceLanguage == "" && p.LanguageConfig.TargetLanguage == "" {
		return nil, fmt.Errorf("%w: language config carries no languages", ErrProtocol)
	}

	return &p, nil
}

// TranscriptionResult decodes the message as a transcription_result payload.
func (m *Message) TranscriptionResult() (*TranscriptionResultPayload, error) {
	if m.Type != TypeTranscriptionResult {
		return nil, fmt.Errorf("%w: message type is %q, not %q", ErrProtocol, m.Type, TypeTranscriptionResult)
	}

	var p TranscriptionResultPayload
	if err := json.Unmarshal(m.payload, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid transcription result payload: %v", ErrProtocol, err)
	}

	return &p, nil
}

// AudioChunk decodes the message as an audio_chunk payload.
func (m *Message) AudioChunk() (*AudioChunkPayload, error) {
	if m.Type != TypeAudioChunk {
		return nil, fmt.Errorf("%w: message type is %q, not %q", ErrProtocol, m.Type, TypeAudioChunk)
	}

	var p AudioChunkPayload
	if err := json.Unmarshal(m.payload, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid audio chunk payload: %v", ErrProtocol, err)
	}

	return &p, nil
}

// IsClientMessageType reports whether t is a message type clients send.
func IsClientMessageType(t string) bool {
	switch t {
	case TypeStartCapture, TypeStopCapture, TypeUpdateLanguageConfig,
		TypeGetAudioStatus, TypeGetAudioDevices:
		return true
	}
	return false
}

// IsServerMessageType reports whether t is a message type the server emits.
func IsServerMessageType(t string) bool {
	switch t {
	case TypeAudioSessionStarted, TypeAudioSessionEnded, TypeAudioChunk,
		TypeTranscription, TypeTranscriptionResult, TypeLanguageConfigUpdated,
		TypeAudioSourceStatus, TypeAudioStatus, TypeAudioDevices, TypeError:
		return true
	}
	return false
}

// Encode frames an outbound message: envelope fields plus the payload's own
// fields flattened into one JSON object.
func Encode(msgType, sessionID string, now time.Time, payload any) ([]byte, error) {
	if !IsServerMessageType(msgType) && !IsClientMessageType(msgType) {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, msgType)
	}

	body := map[string]any{
		"type":       msgType,
		"session_id": sessionID,
		"timestamp":  EpochSeconds(now),
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}

		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("payload of %s is not an object: %w", msgType, err)
		}

		for k, v := range fields {
			body[k] = v
		}
	}

	return json.Marshal(body)
}

// EncodeError frames an error message for a session.
func EncodeError(sessionID string, now time.Time, message string) ([]byte, error) {
	return Encode(TypeError, sessionID, now, ErrorPayload{Message: message})
}

// EpochSeconds converts a time to the wire timestamp representation.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromEpochSeconds converts a wire timestamp back to a time.
func FromEpochSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}
