package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"printcast/internal/ffmpeg"
	"printcast/internal/platform/config"
)

// Overlay runs one encoder worker per subscriber: it reads the source
// endpoint, draws the banner and telemetry text, and re-emits MJPEG. The
// worker is owned by the HTTP response it writes to and dies with it.
type Overlay struct {
	Deps
	cfg       config.OverlayConfig
	sourceURL string
}

// NewOverlay builds the overlay stage reading from sourceURL.
func NewOverlay(cfg config.OverlayConfig, sourceURL string, d Deps) *Overlay {
	return &Overlay{Deps: d, cfg: cfg, sourceURL: sourceURL}
}

// Args builds the encoder argument vector for one overlay worker.
func (o *Overlay) Args() []string {
	args := ffmpeg.BaseArgs()
	args = append(args, ffmpeg.InputReconnectArgs()...)
	args = append(args,
		"-f", "mjpeg",
		"-i", o.sourceURL,
		"-vf", o.filterGraph(),
		"-c:v", "mjpeg",
		"-q:v", "4",
		"-f", "mpjpeg",
		"-boundary_tag", Boundary,
		"-",
	)
	return args
}

// captureArgs builds the vector for a single overlaid frame.
func (o *Overlay) captureArgs() []string {
	args := ffmpeg.BaseArgs()
	args = append(args,
		"-f", "mjpeg",
		"-i", o.sourceURL,
		"-vf", o.filterGraph(),
		"-frames:v", "1",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-",
	)
	return args
}

// filterGraph renders the banner box and text filter chain. The banner sits
// at the top of the frame; text is inset by half the padding on both axes.
// Source resolution is preserved throughout.
func (o *Overlay) filterGraph() string {
	boxH := o.boxHeightExpr()
	padding := o.cfg.FontSize
	if padding <= 0 {
		padding = 20
	}

	// A configured border width draws an outline instead of a filled banner.
	thickness := "fill"
	if o.cfg.BoxBorderW > 0 {
		thickness = fmt.Sprintf("%d", o.cfg.BoxBorderW)
	}
	box := fmt.Sprintf("drawbox=x=0:y=0:w=iw:h=%s:color=%s:t=%s",
		boxH, ffmpeg.EscapeFilterArg(o.cfg.BoxColor), thickness)

	text := fmt.Sprintf(
		"drawtext=fontfile='%s':textfile='%s':reload=1:expansion=none:fontsize=%d:fontcolor=%s:x=%d:y=%d",
		ffmpeg.EscapePath(o.cfg.FontFile),
		ffmpeg.EscapePath(o.cfg.TextFile),
		o.cfg.FontSize,
		ffmpeg.EscapeFilterArg(o.cfg.FontColor),
		padding/2,
		padding/2,
	)

	return "format=yuv420p," + box + "," + text
}

// boxHeightExpr returns the drawbox height: a pixel count when configured,
// otherwise a frame-height fraction evaluated by the filter.
func (o *Overlay) boxHeightExpr() string {
	if o.cfg.BoxHeight > 0 {
		return fmt.Sprintf("%d", o.cfg.BoxHeight)
	}
	frac := o.cfg.BannerFraction
	if frac < 0 {
		frac = 0
	}
	if frac > 0.6 {
		frac = 0.6
	}
	return fmt.Sprintf("ceil(ih*%.4f)", frac)
}

// ServeStream handles GET /stream/overlay. The status line and boundary
// header go out only after the worker has started, so a spawn failure can
// still answer 502.
func (o *Overlay) ServeStream(w http.ResponseWriter, r *http.Request) {
	p, err := o.startWorker(nil, "overlay", o.Args())
	if err != nil {
		http.Error(w, "encoder failed to start", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", multipartContentType)
	w.WriteHeader(http.StatusOK)
	serveProcess(w, r, p, GraceStream, o.Log)
}

// ServeCapture handles GET /stream/overlay/capture.
func (o *Overlay) ServeCapture(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), captureDeadline)
	defer cancel()

	frame, err := o.CaptureFrame(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			http.Error(w, "capture deadline exceeded", http.StatusGatewayTimeout)
		} else {
			http.Error(w, "encoder failed", http.StatusBadGateway)
		}
		return
	}
	writeJPEG(w, frame)
}

// CaptureFrame renders one overlaid frame. Used by both the capture
// endpoint and the time-lapse capture loop.
func (o *Overlay) CaptureFrame(ctx context.Context) ([]byte, error) {
	p, err := o.startWorker(ctx, "overlay-capture", o.captureArgs())
	if err != nil {
		return nil, err
	}
	defer func() { _ = p.Stop(0) }()

	frame, err := readAll(ctx, p.Stdout())
	if err != nil {
		return nil, err
	}
	if _, werr := p.Wait(ctx); werr != nil {
		return nil, werr
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty capture", ffmpeg.ErrEncoder)
	}
	return frame, nil
}

// readAll drains r to completion or context cancellation.
func readAll(ctx context.Context, r io.Reader) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(r)
		ch <- result{data, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.data, res.err
	}
}

// waitExit blocks up to d for the process to exit. Used by tests and the
// broadcast connect window.
func waitExit(p *ffmpeg.Process, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.Done():
		return true
	case <-t.C:
		return false
	}
}
