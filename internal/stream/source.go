package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"printcast/internal/platform/metrics"
)

// Boundary used on every multipart frame stream this server emits.
const Boundary = "frame"

const multipartContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// Cache headers for single-frame captures, bit-exact per the API contract.
const captureCacheControl = "no-store, no-cache, must-revalidate, max-age=0"

// captureDeadline bounds a single-frame capture end to end.
const captureDeadline = 10 * time.Second

// fallbackFrameInterval paces black frames when the camera is missing so
// downstream encoders never starve.
const fallbackFrameInterval = 500 * time.Millisecond

// reconnectDelay paces attempts to re-reach a lost upstream.
const reconnectDelay = 3 * time.Second

// Source proxies the upstream MJPEG camera. It re-emits frames under this
// server's own multipart boundary and substitutes black frames whenever the
// upstream is missing or unreachable.
type Source struct {
	upstream string // raw MJPEG URL, empty means no camera
	snapshot string // optional single-frame URL
	client   *http.Client
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewSource builds the source stage. upstream may be empty.
func NewSource(upstream, snapshot string, log *slog.Logger, m *metrics.Metrics) *Source {
	return &Source{
		upstream: upstream,
		snapshot: snapshot,
		// Streaming reads must not carry an overall timeout; connection
		// establishment is bounded separately per attempt.
		client:  &http.Client{},
		log:     log,
		metrics: m,
	}
}

// Enabled reports whether an upstream camera is configured.
func (s *Source) Enabled() bool { return s.upstream != "" }

// ServeStream handles GET /stream/source.
func (s *Source) ServeStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", multipartContentType)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for ctx.Err() == nil {
		if !s.Enabled() {
			if !s.pumpBlack(ctx, w) {
				return
			}
			continue
		}
		if err := s.pumpUpstream(ctx, w); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("upstream stream lost", slog.String("error", err.Error()))
			// Bridge the outage with black frames, then retry.
			if !s.blackUntil(ctx, w, reconnectDelay) {
				return
			}
		}
	}
}

// pumpUpstream relays frames from the upstream MJPEG stream until an error.
func (s *Source) pumpUpstream(ctx context.Context, w http.ResponseWriter) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.upstream, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	br := bufio.NewReaderSize(resp.Body, 64*1024)
	for {
		frame, err := scanJPEGFrom(br)
		if err != nil {
			return err
		}
		if err := writePart(w, frame); err != nil {
			// Client went away; not an upstream failure.
			return err
		}
	}
}

// pumpBlack streams black frames forever (no upstream configured).
// Returns false when the client disconnected.
func (s *Source) pumpBlack(ctx context.Context, w http.ResponseWriter) bool {
	ticker := time.NewTicker(fallbackFrameInterval)
	defer ticker.Stop()
	for {
		if err := writePart(w, BlackJPEG()); err != nil {
			return false
		}
		s.metrics.IncFallbackFrames()
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// blackUntil streams black frames for the given span, then returns true to
// let the caller retry upstream. Returns false on client disconnect.
func (s *Source) blackUntil(ctx context.Context, w http.ResponseWriter, span time.Duration) bool {
	deadline := time.Now().Add(span)
	ticker := time.NewTicker(fallbackFrameInterval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if err := writePart(w, BlackJPEG()); err != nil {
			return false
		}
		s.metrics.IncFallbackFrames()
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

// ServeCapture handles GET /stream/source/capture: one JPEG frame with a
// hard 10 s deadline. 503 when no camera is configured, 504 on deadline,
// 502 on upstream error.
func (s *Source) ServeCapture(w http.ResponseWriter, r *http.Request) {
	if !s.Enabled() {
		http.Error(w, "source disabled", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), captureDeadline)
	defer cancel()

	frame, err := s.CaptureFrame(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			http.Error(w, "capture deadline exceeded", http.StatusGatewayTimeout)
		} else {
			http.Error(w, "upstream error", http.StatusBadGateway)
		}
		return
	}
	writeJPEG(w, frame)
}

// CaptureFrame grabs one frame: the snapshot endpoint when configured, then
// one segment of the live MJPEG stream.
func (s *Source) CaptureFrame(ctx context.Context) ([]byte, error) {
	if s.snapshot != "" {
		if frame, err := s.fetchSnapshot(ctx); err == nil {
			return frame, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.upstream, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	return ExtractJPEG(ctx, resp.Body)
}

func (s *Source) fetchSnapshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.snapshot, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ServeFallback handles GET /fallback_black.jpg.
func (s *Source) ServeFallback(w http.ResponseWriter, r *http.Request) {
	writeJPEG(w, BlackJPEG())
}

// writePart emits one multipart frame part.
func writePart(w io.Writer, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// writeJPEG emits one image/jpeg response with capture cache headers.
func writeJPEG(w http.ResponseWriter, frame []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", captureCacheControl)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame)
}
