package overlay

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/22VermeijT/SpeakTogether/internal/caption"
)

// WindowState is the lifecycle position of one overlay surface.
type WindowState int

const (
	StateAbsent WindowState = iota
	StateInitializing
	StateVisible
	StateHidden
	StateDestroyedError
)

func (s WindowState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateInitializing:
		return "initializing"
	case StateVisible:
		return "visible"
	case StateHidden:
		return "hidden"
	case StateDestroyedError:
		return "destroyed_error"
	default:
		return "unknown"
	}
}

// Bounds is a placement hint for the surface. Zero value lets the
// platform pick.
type Bounds struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Surface is the platform window resource behind an overlay. Implementations
// may fail or panic; the window state machine absorbs both.
type Surface interface {
	// Allocate creates the underlying resource. Called once per lifetime,
	// from Absent only.
	Allocate(hint Bounds) error
	// Show makes the resource visible.
	Show() error
	// Hide withdraws the resource without freeing it.
	Hide() error
	// Render updates the displayed caption content.
	Render(state caption.State) error
	// Release frees the resource. The surface is dead afterwards.
	Release() error
}

// SurfaceFactory builds a fresh Surface for each allocation cycle.
type SurfaceFactory func() Surface

// Result is the structured outcome of a lifecycle transition. Transitions
// never panic across this boundary; platform failures land in Error and,
// for recovered panics, Stack.
type Result struct {
	Success bool   `json:"success"`
	Enabled bool   `json:"enabled"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// WindowStats is a point-in-time snapshot of one window's counters.
type WindowStats struct {
	Allocations     uint64 `json:"allocations"`
	Transitions     uint64 `json:"transitions"`
	RenderedStates  uint64 `json:"rendered_states"`
	RenderFailures  uint64 `json:"render_failures"`
	PanicsRecovered uint64 `json:"panics_recovered"`
}

// Window drives one overlay surface through its lifecycle. All transitions
// are serialized on the window's own lock; content delivery shares the same
// lock so a render never races a destroy.
type Window struct {
	newSurface SurfaceFactory
	logger     *slog.Logger

	mu      sync.Mutex
	state   WindowState
	surface Surface
	hint    Bounds

	// Statistics
	allocations     uint64
	transitions     uint64
	renderedStates  uint64
	renderFailures  uint64
	panicsRecovered uint64
}

// NewWindow creates a window in the Absent state. No resource is allocated
// until the first Enable.
func NewWindow(factory SurfaceFactory, hint Bounds, logger *slog.Logger) *Window {
	return &Window{
		newSurface: factory,
		logger:     logger,
		state:      StateAbsent,
		hint:       hint,
	}
}

// State reports the current lifecycle state.
func (w *Window) State() WindowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Enabled reports whether the surface is currently shown.
func (w *Window) Enabled() bool {
	return w.State() == StateVisible
}

func (w *Window) setState(next WindowState) {
	if w.state != next {
		w.transitions++
	}
	w.state = next
}

// recoverTransition absorbs a panic raised by the platform surface during a
// transition: emergency hide, drop the resource, park the window in
// DestroyedError, and report the panic as a structured result.
func (w *Window) recoverTransition(result *Result) {
	r := recover()
	if r == nil {
		return
	}

	w.panicsRecovered++
	stack := string(debug.Stack())

	if w.surface != nil {
		func() {
			defer func() { recover() }()
			w.surface.Hide()
			w.surface.Release()
		}()
		w.surface = nil
	}
	w.setState(StateDestroyedError)

	*result = Result{
		Success: false,
		Enabled: false,
		State:   StateDestroyedError.String(),
		Error:   fmt.Sprintf("overlay surface panic: %v", r),
		Stack:   stack,
	}

	w.logger.Error("Overlay surface panicked during transition",
		slog.Any("panic", r))
}

// Enable shows the overlay. From Absent it allocates a surface; from Hidden
// it re-shows the retained one without a new allocation; from Visible it is
// a no-op.
func (w *Window) Enable() (result Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.recoverTransition(&result)

	switch w.state {
	case StateVisible:
		return w.okResult(true)

	case StateHidden:
		if err := w.surface.Show(); err != nil {
			return w.failDestroyed(fmt.Errorf("failed to re-show overlay: %w", err))
		}
		w.setState(StateVisible)
		w.logger.Debug("Overlay re-shown from hidden")
		return w.okResult(true)

	case StateAbsent:
		surface := w.newSurface()
		w.setState(StateInitializing)
		if err := surface.Allocate(w.hint); err != nil {
			// No resource ever went live, so this is Absent, not
			// DestroyedError. Hide/release are best effort.
			func() {
				defer func() { recover() }()
				surface.Hide()
				surface.Release()
			}()
			w.setState(StateAbsent)
			w.logger.Warn("Overlay allocation failed",
				slog.String("error", err.Error()))
			return Result{
				Success: false,
				Enabled: false,
				State:   StateAbsent.String(),
				Error:   fmt.Sprintf("failed to allocate overlay surface: %v", err),
			}
		}
		w.surface = surface
		w.allocations++
		if err := surface.Show(); err != nil {
			return w.failDestroyed(fmt.Errorf("failed to show overlay: %w", err))
		}
		w.setState(StateVisible)
		w.logger.Info("Overlay surface created",
			slog.Uint64("allocations", w.allocations))
		return w.okResult(true)

	case StateInitializing:
		return w.failResult(fmt.Errorf("overlay is initializing"))

	default: // StateDestroyedError
		return w.failResult(fmt.Errorf("overlay is in error state, destroy it first"))
	}
}

// Disable hides the overlay but retains the surface for fast re-enable.
func (w *Window) Disable() (result Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.recoverTransition(&result)

	switch w.state {
	case StateVisible:
		if err := w.surface.Hide(); err != nil {
			return w.failDestroyed(fmt.Errorf("failed to hide overlay: %w", err))
		}
		w.setState(StateHidden)
		return w.okResult(false)

	case StateHidden:
		return w.okResult(false)

	case StateAbsent:
		return w.failResult(fmt.Errorf("no overlay window exists"))

	default:
		return w.failResult(fmt.Errorf("overlay is in state %s", w.state))
	}
}

// Destroy force-hides and releases the surface, returning the window to
// Absent. Safe from any state, including when already Absent.
func (w *Window) Destroy() (result Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.recoverTransition(&result)

	if w.surface != nil {
		func() {
			defer func() { recover() }()
			w.surface.Hide()
		}()
		if err := w.surface.Release(); err != nil {
			w.logger.Warn("Overlay surface release failed",
				slog.String("error", err.Error()))
		}
		w.surface = nil
	}
	w.setState(StateAbsent)
	return w.okResult(false)
}

// DeliverCaption implements caption.Target. Content reaches the surface in
// both Visible and Hidden states so a re-shown window is immediately
// current. Render failures are counted and logged, never propagated.
func (w *Window) DeliverCaption(state caption.State) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateVisible && w.state != StateHidden {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.panicsRecovered++
			w.renderFailures++
			w.logger.Error("Overlay render panicked", slog.Any("panic", r))
		}
	}()

	if err := w.surface.Render(state); err != nil {
		w.renderFailures++
		w.logger.Warn("Overlay render failed",
			slog.String("error", err.Error()))
		return
	}
	w.renderedStates++
}

// Subscribed reports whether the window currently receives caption content.
func (w *Window) Subscribed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateVisible || w.state == StateHidden
}

// GetStats returns a snapshot of the window's counters.
func (w *Window) GetStats() WindowStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WindowStats{
		Allocations:     w.allocations,
		Transitions:     w.transitions,
		RenderedStates:  w.renderedStates,
		RenderFailures:  w.renderFailures,
		PanicsRecovered: w.panicsRecovered,
	}
}

func (w *Window) okResult(enabled bool) Result {
	return Result{Success: true, Enabled: enabled, State: w.state.String()}
}

func (w *Window) failResult(err error) Result {
	return Result{
		Success: false,
		Enabled: w.state == StateVisible,
		State:   w.state.String(),
		Error:   err.Error(),
	}
}

// failDestroyed handles an unrecoverable platform error after the resource
// went live: emergency hide, release, DestroyedError.
func (w *Window) failDestroyed(err error) Result {
	if w.surface != nil {
		func() {
			defer func() { recover() }()
			w.surface.Hide()
			w.surface.Release()
		}()
		w.surface = nil
	}
	w.setState(StateDestroyedError)
	w.logger.Error("Overlay surface failed",
		slog.String("error", err.Error()))
	return Result{
		Success: false,
		Enabled: false,
		State:   StateDestroyedError.String(),
		Error:   err.Error(),
	}
}
