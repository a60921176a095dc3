package caption

import (
	"log/slog"
	"sync"
	"time"
)

// Canonical defaults stamped onto published caption states with missing
// fields.
const (
	DefaultSourceLanguage = "auto"
	DefaultTargetLanguage = "en"
)

// Target is one surface receiving caption states.
type Target interface {
	DeliverCaption(state State)
}

// Registry enumerates the surfaces currently eligible for delivery. Both
// visible and hidden windows subscribe so a re-shown window reflects the
// latest state immediately.
type Registry interface {
	CaptionTargets() []Target
}

// Broadcaster normalizes caption states and fans them out to overlay
// surfaces, at most once per target per publish. It is a live projection,
// not a queue: with no targets present a publish is a no-op and nothing is
// retained for windows created later.
type Broadcaster struct {
	registry Registry
	logger   *slog.Logger
	now      func() time.Time

	// Statistics
	published  uint64
	deliveries uint64
	noTargets  uint64

	mu sync.Mutex
}

// BroadcasterStats is a snapshot of publish counters.
type BroadcasterStats struct {
	Published  uint64 `json:"published"`
	Deliveries uint64 `json:"deliveries"`
	NoTargets  uint64 `json:"no_targets"`
}

// NewBroadcaster creates a broadcaster over the given target registry.
func NewBroadcaster(registry Registry, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Canonicalize fills missing optional fields with safe defaults and stamps
// the timestamp if absent.
func Canonicalize(state State, now time.Time) State {
	if state.SourceLanguage == "" {
		state.SourceLanguage = DefaultSourceLanguage
	}
	if state.TargetLanguage == "" {
		state.TargetLanguage = DefaultTargetLanguage
	}
	if state.Confidence < 0 {
		state.Confidence = 0
	}
	if state.Timestamp.IsZero() {
		state.Timestamp = now
	}
	return state
}

// Publish canonicalizes the state and delivers it to every current target.
// Returns the number of deliveries made; zero targets is a safe no-op.
func (b *Broadcaster) Publish(state State) int {
	canonical := Canonicalize(state, b.now())

	targets := b.registry.CaptionTargets()

	b.mu.Lock()
	b.published++
	if len(targets) == 0 {
		b.noTargets++
	}
	b.deliveries += uint64(len(targets))
	b.mu.Unlock()

	for _, target := range targets {
		target.DeliverCaption(canonical)
	}

	if len(targets) > 0 {
		b.logger.Debug("Caption published",
			slog.Int("targets", len(targets)),
			slog.String("original", canonical.Original),
			slog.Bool("enhanced", canonical.Enhanced),
		)
	}

	return len(targets)
}

// GetStats returns a snapshot of publish counters.
func (b *Broadcaster) GetStats() BroadcasterStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BroadcasterStats{
		Published:  b.published,
		Deliveries: b.deliveries,
		NoTargets:  b.noTargets,
	}
}
