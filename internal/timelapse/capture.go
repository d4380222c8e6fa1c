package timelapse

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"printcast/internal/platform/config"
	"printcast/internal/platform/metrics"
)

// FrameGrabber produces a single JPEG frame from the live pipeline.
type FrameGrabber interface {
	CaptureFrame(ctx context.Context) ([]byte, error)
}

// CaptureLoop periodically grabs a frame and appends it to the active
// session. It prefers the overlay stage so frames carry the telemetry
// banner, falling back to the raw source when the overlay capture fails.
// Implements suture.Service.
type CaptureLoop struct {
	manager  *Manager
	overlay  FrameGrabber
	source   FrameGrabber
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewCaptureLoop(m *Manager, overlay, source FrameGrabber, cfg config.TimelapseConfig, log *slog.Logger, mx *metrics.Metrics) *CaptureLoop {
	return &CaptureLoop{
		manager:  m,
		overlay:  overlay,
		source:   source,
		interval: cfg.CaptureInterval(),
		log:      log.With("component", "timelapse-capture"),
		metrics:  mx,
	}
}

// Serve runs the capture ticker until ctx is cancelled.
func (c *CaptureLoop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *CaptureLoop) tick(ctx context.Context) {
	s := c.manager.Active()
	if s == nil || s.State() != StateActive {
		return
	}

	grabCtx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()

	frame, err := c.grab(grabCtx)
	if err != nil {
		c.log.Warn("frame capture failed", "session", s.Name(), "error", err)
		return
	}
	if err := s.AppendFrame(frame); err != nil {
		if errors.Is(err, ErrPaused) || errors.Is(err, ErrConflict) {
			return
		}
		c.log.Error("frame append failed", "session", s.Name(), "error", err)
		return
	}
	c.metrics.IncFramesCaptured()
}

// grab tries the overlay stage first and falls back to the raw source.
func (c *CaptureLoop) grab(ctx context.Context) ([]byte, error) {
	frame, err := c.overlay.CaptureFrame(ctx)
	if err == nil {
		return frame, nil
	}
	c.log.Debug("overlay capture failed, falling back to source", "error", err)
	return c.source.CaptureFrame(ctx)
}
