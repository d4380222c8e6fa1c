// Package stream implements the five pipeline stages: source, audio,
// overlay, mix, and broadcast. Each stage serves an HTTP endpoint and
// downstream stages consume upstream stages by URL, which gives natural
// backpressure and lets ad-hoc viewers attach anywhere in the graph.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"printcast/internal/ffmpeg"
	"printcast/internal/platform/logger"
	"printcast/internal/platform/metrics"
)

// Stop grace periods per stage kind. Mix needs a short flush for the moov
// fragments; plain frame streams need none worth waiting for.
const (
	GraceDefault = 15 * time.Second
	GraceMix     = 5 * time.Second
	GraceStream  = 500 * time.Millisecond
)

// Deps bundles the logger and metrics every stage needs.
type Deps struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// startWorker launches an encoder for a stage, recording metrics.
func (d Deps) startWorker(ctx context.Context, stage string, argv []string) (*ffmpeg.Process, error) {
	p, err := ffmpeg.Start(ctx, argv, ffmpeg.Options{
		Name:         stage,
		StdinEnabled: true,
		Stderr:       logger.NewProcessSink(d.Log, stage),
	})
	if d.Metrics != nil {
		if err != nil {
			d.Metrics.IncEncoderFailures(stage)
		} else {
			d.Metrics.IncEncoderStarts(stage)
			d.Metrics.WorkerStarted()
			go func() {
				<-p.Done()
				d.Metrics.WorkerStopped()
			}()
		}
	}
	return p, err
}

// serveProcess copies the worker's stdout to the HTTP response until the
// client disconnects or the worker exits. The response headers must already
// be written. Once the body has started, failures terminate the response
// quietly.
func serveProcess(w http.ResponseWriter, r *http.Request, p *ffmpeg.Process, grace time.Duration, log *slog.Logger) {
	defer func() { _ = p.Stop(grace) }()

	go func() {
		select {
		case <-r.Context().Done():
			_ = p.Stop(grace)
		case <-p.Done():
		}
	}()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := p.Stdout().Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && r.Context().Err() == nil {
				log.Debug("worker stream ended", slog.String("error", err.Error()))
			}
			return
		}
	}
}
