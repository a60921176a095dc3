package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"
)

// ErrPermission marks a capture device the process is not allowed to open.
// Surfaced to the user with an actionable message; capture does not start.
var ErrPermission = errors.New("audio capture permission denied")

// CaptureConfig is the stream geometry a source is opened with.
type CaptureConfig struct {
	SampleRate int
	Channels   int
	ChunkSize  int // samples per frame
}

// FrameDuration returns the wall-clock length of one frame.
func (c CaptureConfig) FrameDuration() time.Duration {
	if c.SampleRate <= 0 || c.ChunkSize <= 0 {
		return 0
	}
	return time.Duration(float64(c.ChunkSize) / float64(c.SampleRate) * float64(time.Second))
}

// FrameBytes returns the byte length of one frame of 16-bit PCM.
func (c CaptureConfig) FrameBytes() int {
	return c.ChunkSize * c.Channels * 2
}

// FrameFunc receives capture frames. Called from the source's capture
// goroutine; implementations must not block for long.
type FrameFunc func(Frame)

// Source is one open capture stream.
type Source interface {
	// Name is the logical source kind, "microphone" or "system".
	Name() string
	// Device is the platform device description for status notices.
	Device() string
	// Start begins delivering frames until the context is cancelled or
	// Stop is called. Non-blocking.
	Start(ctx context.Context, fn FrameFunc) error
	// Stop halts frame delivery and releases the device.
	Stop() error
}

// OpenResult reports which source was actually opened. Fallback=true means
// the requested source was unavailable and another was substituted; this is
// a notice to surface, not an error.
type OpenResult struct {
	Source     Source
	Requested  string
	Actual     string
	DeviceName string
	Fallback   bool
	Message    string
}

// Provider opens capture sources by logical name.
type Provider interface {
	Open(requested string, cfg CaptureConfig) (*OpenResult, error)
}

// PipeProvider opens PCM streams from configured reader paths, one per
// logical source. A missing system path degrades to the microphone path
// with a fallback notice; a missing microphone path is a permission error.
type PipeProvider struct {
	MicrophonePath string
	SystemPath     string
}

// Open resolves the requested source, applying the system-to-microphone
// fallback when the loopback stream is not available.
func (p *PipeProvider) Open(requested string, cfg CaptureConfig) (*OpenResult, error) {
	if requested != "microphone" && requested != "system" {
		requested = "microphone"
	}

	if requested == "system" {
		if src, err := newPipeSource("system", p.SystemPath, cfg); err == nil {
			return &OpenResult{
				Source:     src,
				Requested:  requested,
				Actual:     "system",
				DeviceName: p.SystemPath,
			}, nil
		}

		mic, err := newPipeSource("microphone", p.MicrophonePath, cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: neither system loopback nor microphone available", ErrPermission)
		}

		return &OpenResult{
			Source:     mic,
			Requested:  requested,
			Actual:     "microphone",
			DeviceName: p.MicrophonePath,
			Fallback:   true,
			Message:    "system audio unavailable, capturing microphone instead; enable a loopback device to capture system audio",
		}, nil
	}

	src, err := newPipeSource("microphone", p.MicrophonePath, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: microphone device unavailable: %v", ErrPermission, err)
	}

	return &OpenResult{
		Source:     src,
		Requested:  requested,
		Actual:     "microphone",
		DeviceName: p.MicrophonePath,
	}, nil
}

// pipeSource paces 16-bit PCM read from a file or pipe into real-time
// frames.
type pipeSource struct {
	name   string
	path   string
	cfg    CaptureConfig
	reader io.ReadCloser

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

func newPipeSource(name, path string, cfg CaptureConfig) (*pipeSource, error) {
	if path == "" {
		return nil, fmt.Errorf("no device path configured for %s", name)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s stream %s: %w", name, path, err)
	}

	return &pipeSource{
		name:   name,
		path:   path,
		cfg:    cfg,
		reader: f,
	}, nil
}

func (s *pipeSource) Name() string   { return s.name }
func (s *pipeSource) Device() string { return s.path }

// Start reads frames at the capture rate and hands them to fn. A short read
// (end of stream) stops delivery silently; no input is not an error.
func (s *pipeSource) Start(ctx context.Context, fn FrameFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return fmt.Errorf("source %s already started", s.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	frameDur := s.cfg.FrameDuration()
	frameBytes := s.cfg.FrameBytes()

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(frameDur)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			buf := make([]byte, frameBytes)
			if _, err := io.ReadFull(s.reader, buf); err != nil {
				return
			}

			levels := MeterLevels(buf)
			fn(Frame{
				PCM:           buf,
				VolumePercent: levels.VolumePercent,
				Duration:      frameDur,
				Timestamp:     time.Now(),
			})
		}
	}()

	return nil
}

func (s *pipeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
		s.done = nil
	}

	return s.reader.Close()
}

// ToneProvider synthesizes capture audio in-process. Used when no capture
// device is configured, and by tests exercising the pipeline end to end.
type ToneProvider struct {
	// Frequency of the synthesized tone in Hz; 0 produces silence.
	Frequency float64
}

// Open always succeeds and never falls back.
func (p *ToneProvider) Open(requested string, cfg CaptureConfig) (*OpenResult, error) {
	if requested != "microphone" && requested != "system" {
		requested = "microphone"
	}

	return &OpenResult{
		Source:     &toneSource{name: requested, cfg: cfg, freq: p.Frequency},
		Requested:  requested,
		Actual:     requested,
		DeviceName: "synthetic",
	}, nil
}

type toneSource struct {
	name string
	cfg  CaptureConfig
	freq float64

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

func (s *toneSource) Name() string   { return s.name }
func (s *toneSource) Device() string { return "synthetic" }

func (s *toneSource) Start(ctx context.Context, fn FrameFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return fmt.Errorf("source %s already started", s.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	frameDur := s.cfg.FrameDuration()

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(frameDur)
		defer ticker.Stop()

		var phase float64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			buf := make([]byte, s.cfg.FrameBytes())
			if s.freq > 0 {
				step := 2 * math.Pi * s.freq / float64(s.cfg.SampleRate)
				for i := 0; i < s.cfg.ChunkSize; i++ {
					sample := int16(0.3 * maxSample * math.Sin(phase))
					phase += step
					for ch := 0; ch < s.cfg.Channels; ch++ {
						idx := (i*s.cfg.Channels + ch) * 2
						buf[idx] = byte(sample)
						buf[idx+1] = byte(sample >> 8)
					}
				}
			}

			levels := MeterLevels(buf)
			fn(Frame{
				PCM:           buf,
				VolumePercent: levels.VolumePercent,
				Duration:      frameDur,
				Timestamp:     time.Now(),
			})
		}
	}()

	return nil
}

func (s *toneSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
		s.done = nil
	}

	return nil
}
