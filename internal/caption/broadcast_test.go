package caption

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

type recordingTarget struct {
	states []State
}

func (t *recordingTarget) DeliverCaption(state State) {
	t.states = append(t.states, state)
}

type staticRegistry struct {
	targets []Target
}

func (r *staticRegistry) CaptionTargets() []Target {
	return r.targets
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishFansOutToAllTargets(t *testing.T) {
	a := &recordingTarget{}
	b := &recordingTarget{}
	bc := NewBroadcaster(&staticRegistry{targets: []Target{a, b}}, testLogger())

	n := bc.Publish(State{Original: "Hola", Translation: "Hello", Timestamp: time.Now()})
	if n != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", n)
	}

	if len(a.states) != 1 || len(b.states) != 1 {
		t.Fatalf("Each target should receive exactly one state: %d, %d", len(a.states), len(b.states))
	}

	if a.states[0].Original != "Hola" {
		t.Errorf("Unexpected delivered state: %+v", a.states[0])
	}
}

func TestPublishWithZeroTargetsIsNoOp(t *testing.T) {
	bc := NewBroadcaster(&staticRegistry{}, testLogger())

	n := bc.Publish(State{Original: "Hola"})
	if n != 0 {
		t.Fatalf("Expected 0 deliveries, got %d", n)
	}

	stats := bc.GetStats()
	if stats.Published != 1 || stats.NoTargets != 1 || stats.Deliveries != 0 {
		t.Errorf("Unexpected counters: %+v", stats)
	}

	// No backlog: a target appearing later receives nothing retroactively.
	target := &recordingTarget{}
	reg := &staticRegistry{targets: []Target{target}}
	bc2 := NewBroadcaster(reg, testLogger())
	bc2.Publish(State{Original: "first"})

	if len(target.states) != 1 {
		t.Fatalf("Expected exactly the live publish, got %d states", len(target.states))
	}
}

func TestCanonicalizeDefaults(t *testing.T) {
	now := time.Unix(1700000000, 0)

	got := Canonicalize(State{Original: "Hola"}, now)

	if got.SourceLanguage != DefaultSourceLanguage {
		t.Errorf("Expected source language %q, got %q", DefaultSourceLanguage, got.SourceLanguage)
	}
	if got.TargetLanguage != DefaultTargetLanguage {
		t.Errorf("Expected target language %q, got %q", DefaultTargetLanguage, got.TargetLanguage)
	}
	if got.Translation != "" {
		t.Errorf("Expected empty translation default, got %q", got.Translation)
	}
	if got.Confidence != 0 {
		t.Errorf("Expected zero confidence default, got %f", got.Confidence)
	}
	if !got.Timestamp.Equal(now) {
		t.Errorf("Expected timestamp stamped to now, got %v", got.Timestamp)
	}
}

func TestCanonicalizePreservesExplicitFields(t *testing.T) {
	now := time.Unix(1700000000, 0)
	explicit := time.Unix(1600000000, 0)

	in := State{
		Original:       "Hola",
		Translation:    "Hello",
		Confidence:     92,
		SourceLanguage: "es",
		TargetLanguage: "fr",
		Timestamp:      explicit,
	}

	got := Canonicalize(in, now)
	if got != in {
		t.Errorf("Canonicalize mutated explicit fields: %+v", got)
	}
}
