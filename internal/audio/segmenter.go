package audio

import (
	"fmt"
	"sync"
	"time"
)

// Frame is one fixed-size slice of captured PCM with its measured loudness.
// Frames are ephemeral: the segmenter copies what it keeps.
type Frame struct {
	PCM           []byte
	VolumePercent float64 // 0-100
	Duration      time.Duration
	Timestamp     time.Time
}

// Segment is a bounded span of captured audio handed to the recognizer as
// one unit. Consumed once, then discarded.
type Segment struct {
	PCM       []byte        `json:"-"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Source    string        `json:"source"` // "microphone" or "system"
}

// SegmenterConfig holds the four runtime-tunable segmentation thresholds
// plus the loudness gate.
type SegmenterConfig struct {
	VolumeThreshold  float64       // percent above which a frame counts as speech
	MinDuration      time.Duration // below this, silence never emits
	TargetDuration   time.Duration // fallback flush for continuous speech
	MaxDuration      time.Duration // hard cap, always wins
	SilenceThreshold time.Duration // pause length that closes a segment
}

// DefaultSegmenterConfig returns the production segmentation thresholds.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		VolumeThreshold:  20.0,
		MinDuration:      2 * time.Second,
		TargetDuration:   5 * time.Second,
		MaxDuration:      15 * time.Second,
		SilenceThreshold: 1500 * time.Millisecond,
	}
}

// Validate rejects misconfigured thresholds instead of silently coercing.
func (c SegmenterConfig) Validate() error {
	if c.VolumeThreshold < 0 || c.VolumeThreshold > 100 {
		return fmt.Errorf("volume_threshold must be between 0 and 100, got %f", c.VolumeThreshold)
	}

	if c.MinDuration <= 0 {
		return fmt.Errorf("min_duration must be positive, got %v", c.MinDuration)
	}

	if c.SilenceThreshold <= 0 {
		return fmt.Errorf("silence_threshold must be positive, got %v", c.SilenceThreshold)
	}

	if c.TargetDuration < c.MinDuration {
		return fmt.Errorf("target_duration (%v) must not be less than min_duration (%v)",
			c.TargetDuration, c.MinDuration)
	}

	if c.MaxDuration < c.TargetDuration {
		return fmt.Errorf("max_duration (%v) must not be less than target_duration (%v)",
			c.MaxDuration, c.TargetDuration)
	}

	return nil
}

// Segmenter accumulates capture frames and emits bounded speech segments.
// One instance per session; exactly one in-flight segment at a time.
type Segmenter struct {
	config SegmenterConfig
	source string

	// Current segment accumulation
	buffer          []byte
	segmentStart    time.Time
	bufferDuration  time.Duration
	silenceDuration time.Duration

	// Statistics
	framesIngested  uint64
	segmentsEmitted uint64
	totalEmitted    time.Duration

	mu sync.Mutex
}

// SegmenterStats is a snapshot of segmenter counters for monitoring.
type SegmenterStats struct {
	FramesIngested  uint64        `json:"frames_ingested"`
	SegmentsEmitted uint64        `json:"segments_emitted"`
	TotalEmitted    time.Duration `json:"total_emitted"`
	BufferDuration  time.Duration `json:"buffer_duration"`
	SilenceDuration time.Duration `json:"silence_duration"`
}

// NewSegmenter creates a segmenter for one capture source.
func NewSegmenter(config SegmenterConfig, source string) (*Segmenter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmenter config: %w", err)
	}

	return &Segmenter{
		config: config,
		source: source,
	}, nil
}

// Ingest consumes one capture frame and returns a finished segment when an
// emission condition holds, or nil while the buffer is still open.
//
// Emission conditions, checked in priority order:
//  1. bufferDuration >= MaxDuration (hard cap, regardless of speech)
//  2. bufferDuration >= MinDuration and silenceDuration >= SilenceThreshold
//  3. bufferDuration >= TargetDuration (continuous speech, no pause)
//
// Before MinDuration is reached, silence alone never emits.
func (s *Segmenter) Ingest(frame Frame) *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.framesIngested++

	if len(s.buffer) == 0 {
		s.segmentStart = frame.Timestamp
		s.bufferDuration = 0
		s.silenceDuration = 0
	}

	s.buffer = append(s.buffer, frame.PCM...)
	s.bufferDuration += frame.Duration

	if frame.VolumePercent > s.config.VolumeThreshold {
		s.silenceDuration = 0
	} else {
		s.silenceDuration += frame.Duration
	}

	switch {
	case s.bufferDuration >= s.config.MaxDuration:
		return s.flush()
	case s.bufferDuration >= s.config.MinDuration && s.silenceDuration >= s.config.SilenceThreshold:
		return s.flush()
	case s.bufferDuration >= s.config.TargetDuration:
		return s.flush()
	}

	return nil
}

// flush emits the buffered audio as a segment and resets accumulation.
// Caller must hold s.mu.
func (s *Segmenter) flush() *Segment {
	segment := &Segment{
		PCM:       s.buffer,
		StartTime: s.segmentStart,
		Duration:  s.bufferDuration,
		Source:    s.source,
	}

	s.buffer = nil
	s.segmentsEmitted++
	s.totalEmitted += segment.Duration
	s.bufferDuration = 0
	s.silenceDuration = 0

	return segment
}

// ForceFlush emits whatever audio is buffered, regardless of duration
// thresholds. Used when capture ends so the trailing partial utterance is
// not lost. Returns nil when nothing is buffered.
func (s *Segmenter) ForceFlush() *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) == 0 {
		return nil
	}
	return s.flush()
}

// SetConfig replaces the segmentation thresholds. Takes effect on the next
// frame; the currently open buffer is not re-evaluated retroactively.
func (s *Segmenter) SetConfig(config SegmenterConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid segmenter config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.config = config
	return nil
}

// Config returns the active segmentation thresholds.
func (s *Segmenter) Config() SegmenterConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Reset discards any open buffer without emitting it.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = nil
	s.bufferDuration = 0
	s.silenceDuration = 0
}

// HasPendingAudio reports whether a segment is currently accumulating.
func (s *Segmenter) HasPendingAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer) > 0
}

// GetStats returns a snapshot of segmenter counters.
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SegmenterStats{
		FramesIngested:  s.framesIngested,
		SegmentsEmitted: s.segmentsEmitted,
		TotalEmitted:    s.totalEmitted,
		BufferDuration:  s.bufferDuration,
		SilenceDuration: s.silenceDuration,
	}
}
