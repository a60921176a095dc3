package caption

import (
	"sync"
	"time"
)

// Category identifies a throttle class of caption updates.
type Category int

const (
	// CategoryLanguage covers language and volume-derived updates.
	CategoryLanguage Category = iota
	// CategoryStatus covers auxiliary agent/activity status updates.
	CategoryStatus
	// CategoryTranscription covers transcription and translation text.
	CategoryTranscription

	categoryCount
)

// String returns the category name used in logs and metrics labels.
func (c Category) String() string {
	switch c {
	case CategoryLanguage:
		return "language"
	case CategoryStatus:
		return "status"
	case CategoryTranscription:
		return "transcription"
	default:
		return "unknown"
	}
}

// ThrottleConfig holds the minimum interval between two accepted updates of
// the same category. Rejected events are dropped, not queued: visual
// smoothness is prioritized over displaying every intermediate event.
type ThrottleConfig struct {
	LanguageInterval      time.Duration
	StatusInterval        time.Duration
	TranscriptionInterval time.Duration
}

// DefaultThrottleConfig returns the production update-rate limits.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		LanguageInterval:      425 * time.Millisecond,
		StatusInterval:        85 * time.Millisecond,
		TranscriptionInterval: 40 * time.Millisecond,
	}
}

func (c ThrottleConfig) interval(cat Category) time.Duration {
	switch cat {
	case CategoryLanguage:
		return c.LanguageInterval
	case CategoryStatus:
		return c.StatusInterval
	case CategoryTranscription:
		return c.TranscriptionInterval
	default:
		return 0
	}
}

// State is the single per-session caption projection shown to the user.
// Confidence is a 0-100 percentage. Timestamp never regresses within a
// session.
type State struct {
	Original          string    `json:"original"`
	Translation       string    `json:"translation"`
	Confidence        float64   `json:"confidence"`
	SourceLanguage    string    `json:"source_language"`
	TargetLanguage    string    `json:"target_language"`
	Timestamp         time.Time `json:"timestamp"`
	FromTranscription bool      `json:"from_transcription"`
	IsRealTime        bool      `json:"is_real_time"`
	Enhanced          bool      `json:"enhanced"`
}

// TranscriptionEvent is one recognition result for a session. Immutable once
// emitted. Confidence is on the service's 0-1 scale.
type TranscriptionEvent struct {
	SessionID        string
	Text             string
	Translation      string
	Confidence       float64
	DetectedLanguage string
	SourceLanguage   string
	TargetLanguage   string
	ServiceType      string
	Timestamp        time.Time
	IsRealTime       bool
}

// EnhancementEvent is a later, higher-quality revision of the translation
// for an already-displayed utterance. May postdate its base transcription by
// hundreds of milliseconds.
type EnhancementEvent struct {
	SessionID           string
	RefersTo            string // original utterance text being revised
	ImprovedTranslation string
	AppliedBy           string // "polisher" or "ai"
	Timestamp           time.Time
}

// VolumeEvent is a loudness measurement driving volume UI state.
type VolumeEvent struct {
	SessionID     string
	VolumePercent float64
	VolumeDB      float64
	Timestamp     time.Time
}

// StatusEvent is an auxiliary activity notice (agent progress, source
// status) shown outside the caption text itself.
type StatusEvent struct {
	SessionID string
	Kind      string
	Detail    string
	Timestamp time.Time
}

// Confidence floor applied when an enhancement lands: the polisher output is
// trusted more than the raw streaming hypothesis.
const enhancedConfidencePercent = 95.0

// Reconciler merges heterogeneous, possibly out-of-order events into one
// throttled caption state. One instance per session; calls are synchronous
// with event arrival.
type Reconciler struct {
	throttle ThrottleConfig
	now      func() time.Time

	state        State
	volume       VolumeEvent
	lastAccepted [categoryCount]time.Time

	// Statistics
	accepted [categoryCount]uint64
	dropped  [categoryCount]uint64
	enhanced uint64

	mu sync.Mutex
}

// ReconcilerStats is a snapshot of accept/drop counters per category.
type ReconcilerStats struct {
	LanguageAccepted      uint64 `json:"language_accepted"`
	LanguageDropped       uint64 `json:"language_dropped"`
	StatusAccepted        uint64 `json:"status_accepted"`
	StatusDropped         uint64 `json:"status_dropped"`
	TranscriptionAccepted uint64 `json:"transcription_accepted"`
	TranscriptionDropped  uint64 `json:"transcription_dropped"`
	EnhancementsApplied   uint64 `json:"enhancements_applied"`
}

// NewReconciler creates a reconciler with the given rate limits.
func NewReconciler(throttle ThrottleConfig) *Reconciler {
	return NewReconcilerWithClock(throttle, time.Now)
}

// NewReconcilerWithClock injects the clock used by the throttle gates.
func NewReconcilerWithClock(throttle ThrottleConfig, now func() time.Time) *Reconciler {
	return &Reconciler{
		throttle: throttle,
		now:      now,
	}
}

// admit runs the throttle gate for one category. Caller must hold r.mu.
func (r *Reconciler) admit(cat Category) bool {
	now := r.now()

	last := r.lastAccepted[cat]
	if !last.IsZero() && now.Sub(last) < r.throttle.interval(cat) {
		r.dropped[cat]++
		return false
	}

	r.lastAccepted[cat] = now
	r.accepted[cat]++
	return true
}

// ApplyTranscription merges a fresh recognition result. Returns the updated
// state and true when accepted; false when the transcription-category gate
// dropped the event (latest-wins, no replay).
func (r *Reconciler) ApplyTranscription(ev TranscriptionEvent) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.admit(CategoryTranscription) {
		return r.state, false
	}

	timestamp := ev.Timestamp
	if timestamp.Before(r.state.Timestamp) {
		// Timestamps are monotonic non-decreasing within a session.
		timestamp = r.state.Timestamp
	}

	sourceLang := ev.SourceLanguage
	if ev.DetectedLanguage != "" {
		sourceLang = ev.DetectedLanguage
	}

	r.state = State{
		Original:          ev.Text,
		Translation:       ev.Translation,
		Confidence:        ev.Confidence * 100,
		SourceLanguage:    sourceLang,
		TargetLanguage:    ev.TargetLanguage,
		Timestamp:         timestamp,
		FromTranscription: true,
		IsRealTime:        ev.IsRealTime,
	}

	return r.state, true
}

// ApplyEnhancement merges a revision of an earlier translation. Enhancements
// bypass the transcription throttle: they are rare and high-value. The
// revision applies only while the referenced utterance is still the live
// one; a superseded reference is dropped. Only translation and confidence
// change, never original or timestamp.
func (r *Reconciler) ApplyEnhancement(ev EnhancementEvent) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.state.FromTranscription || r.state.Original != ev.RefersTo {
		return r.state, false
	}

	r.state.Translation = ev.ImprovedTranslation
	if r.state.Confidence < enhancedConfidencePercent {
		r.state.Confidence = enhancedConfidencePercent
	}
	r.state.Enhanced = true
	r.enhanced++

	return r.state, true
}

// ApplyVolume gates a loudness update under the language/volume category.
// Volume updates drive UI state only; they never imply a transcription.
func (r *Reconciler) ApplyVolume(ev VolumeEvent) (VolumeEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.admit(CategoryLanguage) {
		return r.volume, false
	}

	r.volume = ev
	return r.volume, true
}

// ApplyStatus gates an auxiliary status update.
func (r *Reconciler) ApplyStatus(ev StatusEvent) (StatusEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.admit(CategoryStatus) {
		return StatusEvent{}, false
	}

	return ev, true
}

// SetThrottle replaces the rate limits. Takes effect on the next event.
func (r *Reconciler) SetThrottle(throttle ThrottleConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.throttle = throttle
}

// State returns the current caption projection.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// GetStats returns a snapshot of accept/drop counters.
func (r *Reconciler) GetStats() ReconcilerStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return ReconcilerStats{
		LanguageAccepted:      r.accepted[CategoryLanguage],
		LanguageDropped:       r.dropped[CategoryLanguage],
		StatusAccepted:        r.accepted[CategoryStatus],
		StatusDropped:         r.dropped[CategoryStatus],
		TranscriptionAccepted: r.accepted[CategoryTranscription],
		TranscriptionDropped:  r.dropped[CategoryTranscription],
		EnhancementsApplied:   r.enhanced,
	}
}
