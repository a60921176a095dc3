package overlay

import (
	"testing"

	"github.com/google/uuid"

	"github.com/22VermeijT/SpeakTogether/internal/caption"
)

func newTestManager() *Manager {
	return NewManager(func() Surface { return &fakeSurface{} }, testLogger())
}

func TestManagerToggleLifecycle(t *testing.T) {
	m := newTestManager()
	id := m.Create(Bounds{Width: 640, Height: 120})

	if m.QueryState(id) != StateAbsent {
		t.Fatalf("New window should be Absent, got %s", m.QueryState(id))
	}

	result := m.Toggle(id, true)
	if !result.Success || !result.Enabled {
		t.Fatalf("Toggle on failed: %+v", result)
	}
	if !m.Enabled(id) {
		t.Error("Window should report enabled after toggle on")
	}

	result = m.Toggle(id, false)
	if !result.Success || result.Enabled {
		t.Fatalf("Toggle off failed: %+v", result)
	}
	if m.QueryState(id) != StateHidden {
		t.Errorf("Expected Hidden after toggle off, got %s", m.QueryState(id))
	}
}

func TestManagerToggleUnknownHandle(t *testing.T) {
	m := newTestManager()

	result := m.Toggle(uuid.New(), true)
	if result.Success {
		t.Fatal("Toggle on an unknown handle should fail")
	}
	if result.State != StateAbsent.String() {
		t.Errorf("Unknown handle should read as absent, got %s", result.State)
	}
}

func TestManagerCaptionTargets(t *testing.T) {
	m := newTestManager()
	visible := m.Create(Bounds{})
	hidden := m.Create(Bounds{})
	m.Create(Bounds{}) // never enabled, stays Absent

	m.Toggle(visible, true)
	m.Toggle(hidden, true)
	m.Toggle(hidden, false)

	targets := m.CaptionTargets()
	if len(targets) != 2 {
		t.Fatalf("Expected visible and hidden windows as targets, got %d", len(targets))
	}
}

func TestManagerBroadcastIntegration(t *testing.T) {
	m := newTestManager()
	bc := caption.NewBroadcaster(m, testLogger())

	// No windows enabled: safe no-op.
	if n := bc.Publish(caption.State{Original: "Hola"}); n != 0 {
		t.Fatalf("Expected no deliveries without live windows, got %d", n)
	}

	id := m.Create(Bounds{})
	m.Toggle(id, true)

	if n := bc.Publish(caption.State{Original: "Hola", Translation: "Hello"}); n != 1 {
		t.Fatalf("Expected 1 delivery, got %d", n)
	}

	window, _ := m.Get(id)
	if got := window.GetStats().RenderedStates; got != 1 {
		t.Errorf("Expected 1 rendered state, got %d", got)
	}
}

func TestManagerDestroyRemovesHandle(t *testing.T) {
	m := newTestManager()
	id := m.Create(Bounds{})
	m.Toggle(id, true)

	result := m.Destroy(id)
	if !result.Success {
		t.Fatalf("Destroy failed: %+v", result)
	}
	if _, ok := m.Get(id); ok {
		t.Error("Destroyed handle should leave the table")
	}

	// Destroying again is a no-op success.
	if result := m.Destroy(id); !result.Success {
		t.Errorf("Repeat destroy should succeed: %+v", result)
	}
}

func TestManagerShutdownDestroysAll(t *testing.T) {
	m := newTestManager()
	a := m.Create(Bounds{})
	b := m.Create(Bounds{})
	m.Toggle(a, true)
	m.Toggle(b, true)

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	stats := m.GetStats()
	if stats.ActiveWindows != 0 || stats.Destroyed != 2 {
		t.Errorf("Unexpected stats after shutdown: %+v", stats)
	}
}

func TestHeadlessSurfaceLifecycle(t *testing.T) {
	w := NewWindow(func() Surface { return NewHeadlessSurface(testLogger()) }, Bounds{}, testLogger())

	if result := w.Enable(); !result.Success {
		t.Fatalf("Enable failed: %+v", result)
	}
	w.DeliverCaption(caption.State{Original: "Hola", Translation: "Hello"})
	if result := w.Disable(); !result.Success {
		t.Fatalf("Disable failed: %+v", result)
	}
	if result := w.Destroy(); !result.Success {
		t.Fatalf("Destroy failed: %+v", result)
	}
}
