package overlay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/22VermeijT/SpeakTogether/internal/caption"
)

// Manager owns the handle table of overlay windows. Windows are addressed
// by opaque ids, never by direct pointer sharing, and the manager is the
// caption broadcast registry: every window that is Visible or Hidden is a
// delivery target.
type Manager struct {
	newSurface SurfaceFactory
	logger     *slog.Logger

	mu      sync.RWMutex
	windows map[uuid.UUID]*Window

	// Statistics
	created   uint64
	destroyed uint64
}

// ManagerStats is a point-in-time snapshot of the handle table.
type ManagerStats struct {
	Created       uint64                 `json:"created"`
	Destroyed     uint64                 `json:"destroyed"`
	ActiveWindows int                    `json:"active_windows"`
	Windows       map[string]WindowStats `json:"windows"`
}

// NewManager creates an empty handle table. The factory is invoked for
// every surface allocation cycle.
func NewManager(factory SurfaceFactory, logger *slog.Logger) *Manager {
	return &Manager{
		newSurface: factory,
		logger:     logger,
		windows:    make(map[uuid.UUID]*Window),
	}
}

// Create registers a new window in the Absent state and returns its handle.
func (m *Manager) Create(hint Bounds) uuid.UUID {
	id := uuid.New()
	window := NewWindow(m.newSurface, hint, m.logger.With(slog.String("overlay_id", id.String())))

	m.mu.Lock()
	m.windows[id] = window
	m.created++
	m.mu.Unlock()

	m.logger.Info("Overlay window registered",
		slog.String("overlay_id", id.String()))
	return id
}

// Get returns the window for a handle.
func (m *Manager) Get(id uuid.UUID) (*Window, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	window, ok := m.windows[id]
	return window, ok
}

// Toggle enables or disables a window and reports the structured outcome.
func (m *Manager) Toggle(id uuid.UUID, enabled bool) Result {
	window, ok := m.Get(id)
	if !ok {
		return Result{
			Success: false,
			State:   StateAbsent.String(),
			Error:   fmt.Sprintf("unknown overlay window: %s", id),
		}
	}
	if enabled {
		return window.Enable()
	}
	return window.Disable()
}

// QueryState reports a window's lifecycle state. Unknown handles read as
// Absent.
func (m *Manager) QueryState(id uuid.UUID) WindowState {
	window, ok := m.Get(id)
	if !ok {
		return StateAbsent
	}
	return window.State()
}

// Enabled reports whether a window is currently shown.
func (m *Manager) Enabled(id uuid.UUID) bool {
	return m.QueryState(id) == StateVisible
}

// Destroy releases a window's resources and removes it from the table.
// Unknown handles are a no-op success, matching destroy-from-Absent.
func (m *Manager) Destroy(id uuid.UUID) Result {
	m.mu.Lock()
	window, ok := m.windows[id]
	if ok {
		delete(m.windows, id)
		m.destroyed++
	}
	m.mu.Unlock()

	if !ok {
		return Result{Success: true, State: StateAbsent.String()}
	}

	result := window.Destroy()
	m.logger.Info("Overlay window destroyed",
		slog.String("overlay_id", id.String()),
		slog.Bool("success", result.Success))
	return result
}

// CaptionTargets implements caption.Registry: every window holding a live
// surface receives content, shown or not.
func (m *Manager) CaptionTargets() []caption.Target {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targets := make([]caption.Target, 0, len(m.windows))
	for _, window := range m.windows {
		if window.Subscribed() {
			targets = append(targets, window)
		}
	}
	return targets
}

// Ids returns the handles currently in the table.
func (m *Manager) Ids() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(m.windows))
	for id := range m.windows {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown destroys every window and aggregates the failures.
func (m *Manager) Shutdown() error {
	var errs *multierror.Error

	for _, id := range m.Ids() {
		if result := m.Destroy(id); !result.Success {
			errs = multierror.Append(errs,
				fmt.Errorf("destroying overlay %s: %s", id, result.Error))
		}
	}

	m.logger.Info("Overlay manager shut down")
	return errs.ErrorOrNil()
}

// GetStats returns a snapshot across the handle table.
func (m *Manager) GetStats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{
		Created:       m.created,
		Destroyed:     m.destroyed,
		ActiveWindows: len(m.windows),
		Windows:       make(map[string]WindowStats, len(m.windows)),
	}
	for id, window := range m.windows {
		stats.Windows[id.String()] = window.GetStats()
	}
	return stats
}
