package encoder

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrEncoderInit is matched by every error caused by a codec that could not
// be created, configured or started.
var ErrEncoderInit = errors.New("encoder initialization failed")

// InitError describes which step of the encoder setup failed.
type InitError struct {
	Op  string
	Err error
}

func (e *InitError) Error() string {
	return "encoder " + e.Op + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error { return e.Err }

func (e *InitError) Is(target error) bool { return target == ErrEncoderInit }

// Session owns the codec, its input surface and the renderer of one
// recording. It is never reused. Except for Open, all methods must be called
// from the same goroutine.
type Session struct {
	codec       Codec
	newRenderer RendererFactory
	logger      *slog.Logger

	cfg      Config
	surface  Surface
	renderer Renderer
	started  bool
	closed   bool
}

// NewSession creates a session around codec.
func NewSession(codec Codec, newRenderer RendererFactory, logger *slog.Logger) *Session {
	if newRenderer == nil {
		newRenderer = NewSurfaceRenderer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		codec:       codec,
		newRenderer: newRenderer,
		logger:      logger.With("component", "encoder"),
	}
}

// Open configures the codec and creates its input surface.
func (s *Session) Open(cfg Config) (Surface, error) {
	cfg = cfg.withDefaults()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &InitError{Op: "configure", Err: errors.Errorf("invalid size %dx%d", cfg.Width, cfg.Height)}
	}

	if err := s.codec.Configure(cfg); err != nil {
		s.releaseCodec()
		return nil, &InitError{Op: "configure", Err: err}
	}

	surface, err := s.codec.CreateInputSurface()
	if err != nil {
		s.releaseCodec()
		return nil, &InitError{Op: "create input surface", Err: err}
	}

	s.cfg = cfg
	s.surface = surface
	s.logger.Info("Encoder configured",
		"width", cfg.Width, "height", cfg.Height,
		"frameRate", cfg.FrameRate,
		"bitrate", cfg.TargetBitrate(),
		"keyFrameInterval", cfg.KeyFrameInterval)
	return surface, nil
}

func (s *Session) releaseCodec() {
	if err := s.codec.Release(); err != nil {
		s.logger.Warn("Failed to release codec", "error", err)
	}
	s.closed = true
}

// Prepare creates the rendering context bound to the input surface and
// starts the codec. Once it returns, the session accepts frames.
func (s *Session) Prepare() error {
	if s.surface == nil {
		return &InitError{Op: "prepare", Err: errors.New("session is not open")}
	}

	renderer, err := s.newRenderer(s.surface, s.cfg.Width, s.cfg.Height)
	if err != nil {
		return &InitError{Op: "create renderer", Err: err}
	}
	s.renderer = renderer

	if err := s.codec.Start(); err != nil {
		return &InitError{Op: "start", Err: err}
	}
	s.started = true
	return nil
}

// Draw renders a texture into the input surface.
func (s *Session) Draw(texture TextureHandle, timestampNanos int64) error {
	if !s.started || s.closed {
		return errors.New("session is not running")
	}
	return s.renderer.Draw(texture, timestampNanos)
}

// DrainOnce polls the codec once, waiting at most timeout.
func (s *Session) DrainOnce(timeout time.Duration) (Output, error) {
	return s.codec.Dequeue(timeout)
}

// ReleaseOutput returns an output buffer to the codec.
func (s *Session) ReleaseOutput(index int) error {
	return s.codec.ReleaseOutput(index)
}

// SignalEndOfStream tells the codec that no more frames will be drawn.
func (s *Session) SignalEndOfStream() error {
	if !s.started {
		return nil
	}
	return s.codec.SignalEndOfInputStream()
}

// Close releases the codec, the renderer and the input surface. Every
// resource is released even if another one fails.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.started {
		err = multierr.Append(err, errors.Wrap(s.codec.Stop(), "stop codec"))
	}
	err = multierr.Append(err, errors.Wrap(s.codec.Release(), "release codec"))
	if s.renderer != nil {
		err = multierr.Append(err, errors.Wrap(s.renderer.Release(), "release renderer"))
		s.renderer = nil
	}
	if s.surface != nil {
		err = multierr.Append(err, errors.Wrap(s.surface.Release(), "release surface"))
		s.surface = nil
	}
	s.started = false

	s.logger.Info("Encoder released")
	return err
}
