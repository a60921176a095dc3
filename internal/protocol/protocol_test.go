package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseMessageValid(t *testing.T) {
	raw := `{
		"type": "start_capture",
		"session_id": "sess-1",
		"timestamp": 1700000000.25,
		"audio_config": {
			"sample_rate": 16000,
			"channels": 1,
			"chunk_size": 1024,
			"buffer_duration": 1.0,
			"audio_source": "microphone",
			"source_language": "en",
			"target_language": "es"
		}
	}`

	msg, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}

	if msg.Type != TypeStartCapture {
		t.Errorf("Expected type %q, got %q", TypeStartCapture, msg.Type)
	}

	if msg.SessionID != "sess-1" {
		t.Errorf("Expected session_id sess-1, got %q", msg.SessionID)
	}

	payload, err := msg.StartCapture()
	if err != nil {
		t.Fatalf("StartCapture payload decode failed: %v", err)
	}

	cfg := payload.AudioConfig
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.ChunkSize != 1024 {
		t.Errorf("Unexpected audio config: %+v", cfg)
	}

	if cfg.SourceLanguage != "en" || cfg.TargetLanguage != "es" {
		t.Errorf("Unexpected language pair: %s -> %s", cfg.SourceLanguage, cfg.TargetLanguage)
	}
}

func TestParseMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid JSON", `{"type": "start_capture"`},
		{"missing type", `{"session_id": "sess-1", "timestamp": 1.0}`},
		{"unknown type", `{"type": "reboot_universe", "session_id": "sess-1"}`},
		{"empty object", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.data))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("Expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestPayloadTypeMismatch(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type": "stop_capture", "session_id": "s"}`))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}

	if _, err := msg.StartCapture(); !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol for mismatched payload access, got %v", err)
	}
}

func TestTranslationAliasNormalization(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{
			name:     "canonical field",
			raw:      `{"transcript": "Hola", "confidence": 0.9, "translation": {"text": "Hello"}}`,
			expected: "Hello",
		},
		{
			name:     "legacy alias",
			raw:      `{"transcript": "Hola", "confidence": 0.9, "translated": {"text": "Hello"}}`,
			expected: "Hello",
		},
		{
			name:     "canonical wins over alias",
			raw:      `{"transcript": "Hola", "translation": {"text": "Hello"}, "translated": {"text": "Howdy"}}`,
			expected: "Hello",
		},
		{
			name:     "neither present",
			raw:      `{"transcript": "Hola", "confidence": 0.5}`,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var data TranscriptionData
			if err := json.Unmarshal([]byte(tt.raw), &data); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if data.Translation.Text != tt.expected {
				t.Errorf("Expected translation %q, got %q", tt.expected, data.Translation.Text)
			}
		})
	}
}

func TestTranscriptionResultPayload(t *testing.T) {
	raw := `{
		"type": "transcription_result",
		"session_id": "sess-7",
		"timestamp": 1700000001.5,
		"is_enhancement": true,
		"data": {
			"transcript": "Hola",
			"confidence": 0.92,
			"language_detected": "es",
			"service_type": "polisher",
			"processing_time_ms": 240,
			"translation": {
				"text": "Hello",
				"source_language": "es",
				"target_language": "en",
				"polisher_applied": true
			}
		}
	}`

	msg, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}

	payload, err := msg.TranscriptionResult()
	if err != nil {
		t.Fatalf("TranscriptionResult decode failed: %v", err)
	}

	if !payload.IsEnhancement {
		t.Error("Expected is_enhancement to be true")
	}

	if payload.Data.Transcript != "Hola" {
		t.Errorf("Expected transcript Hola, got %q", payload.Data.Transcript)
	}

	if payload.Data.Translation.Text != "Hello" {
		t.Errorf("Expected translation Hello, got %q", payload.Data.Translation.Text)
	}

	if !payload.Data.Translation.PolisherApplied {
		t.Error("Expected polisher_applied to be true")
	}
}

func TestEncodeFlattensPayload(t *testing.T) {
	now := time.Unix(1700000000, 500000000)

	data, err := Encode(TypeAudioSourceStatus, "sess-2", now, SourceStatusPayload{
		Status:          SourceStatusFallback,
		RequestedSource: SourceSystem,
		ActualSource:    SourceMicrophone,
		Message:         "system audio unavailable",
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Encoded message is not valid JSON: %v", err)
	}

	if decoded["type"] != TypeAudioSourceStatus {
		t.Errorf("Expected type %q, got %v", TypeAudioSourceStatus, decoded["type"])
	}

	if decoded["session_id"] != "sess-2" {
		t.Errorf("Expected session_id sess-2, got %v", decoded["session_id"])
	}

	if decoded["status"] != SourceStatusFallback {
		t.Errorf("Expected flattened status field, got %v", decoded["status"])
	}

	if decoded["requested_source"] != SourceSystem {
		t.Errorf("Expected flattened requested_source field, got %v", decoded["requested_source"])
	}

	ts, ok := decoded["timestamp"].(float64)
	if !ok || ts < 1700000000.4 || ts > 1700000000.6 {
		t.Errorf("Unexpected timestamp: %v", decoded["timestamp"])
	}
}

func TestEncodeUnknownType(t *testing.T) {
	if _, err := Encode("not_a_message", "s", time.Now(), nil); !errors.Is(err, ErrProtocol) {
		t.Errorf("Expected ErrProtocol for unknown type, got %v", err)
	}
}

func TestEncodeErrorMessage(t *testing.T) {
	data, err := EncodeError("sess-3", time.Now(), "capture permission denied")
	if err != nil {
		t.Fatalf("EncodeError failed: %v", err)
	}

	if !strings.Contains(string(data), "capture permission denied") {
		t.Errorf("Error message text missing from frame: %s", data)
	}

	msg, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("Round-trip parse failed: %v", err)
	}

	if msg.Type != TypeError {
		t.Errorf("Expected type error, got %q", msg.Type)
	}
}

func TestEpochSecondsRoundTrip(t *testing.T) {
	now := time.Unix(1700000123, 250000000)

	got := FromEpochSeconds(EpochSeconds(now))
	if diff := got.Sub(now); diff > time.Millisecond || diff < -time.Millisecond {
		t.Errorf("Round-trip drifted by %v", diff)
	}
}
