package overlay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/22VermeijT/SpeakTogether/internal/caption"
)

// HeadlessSurface is the default Surface backend. It keeps no platform
// resource and logs rendered captions, which is what the server process
// uses when no native window backend is attached. Clients that render
// their own overlay consume the caption stream over the WebSocket channel
// instead.
type HeadlessSurface struct {
	logger *slog.Logger

	mu        sync.Mutex
	allocated bool
	visible   bool
	last      caption.State
}

// NewHeadlessSurface returns a surface with no platform resource behind it.
func NewHeadlessSurface(logger *slog.Logger) *HeadlessSurface {
	return &HeadlessSurface{logger: logger}
}

func (s *HeadlessSurface) Allocate(hint Bounds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allocated {
		return fmt.Errorf("surface already allocated")
	}
	s.allocated = true
	s.logger.Debug("Headless overlay surface allocated",
		slog.Int("width", hint.Width),
		slog.Int("height", hint.Height))
	return nil
}

func (s *HeadlessSurface) Show() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.allocated {
		return fmt.Errorf("surface not allocated")
	}
	s.visible = true
	return nil
}

func (s *HeadlessSurface) Hide() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = false
	return nil
}

func (s *HeadlessSurface) Render(state caption.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.allocated {
		return fmt.Errorf("surface not allocated")
	}
	s.last = state
	if s.visible {
		s.logger.Debug("Caption rendered",
			slog.String("original", state.Original),
			slog.String("translation", state.Translation),
			slog.Float64("confidence", state.Confidence))
	}
	return nil
}

func (s *HeadlessSurface) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocated = false
	s.visible = false
	return nil
}

// LastState returns the most recently rendered caption.
func (s *HeadlessSurface) LastState() caption.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
