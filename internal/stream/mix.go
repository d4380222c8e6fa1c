package stream

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"printcast/internal/ffmpeg"
)

// Mix encodes the overlaid video (and the audio stream when enabled) into
// fragmented MP4, one encoder worker per subscriber. The enabled switch is
// runtime-togglable; disabling must never substitute synthetic audio — the
// lifecycle orchestrator reacts through OnDisabled and stops any live
// broadcast instead.
type Mix struct {
	Deps
	overlayURL string
	audioURL   string // empty disables the audio input
	enabled    atomic.Bool

	mu         sync.Mutex
	onDisabled func()
	workers    map[*ffmpeg.Process]struct{}
}

// NewMix builds the mix stage. audioURL may be empty to encode video only.
func NewMix(overlayURL, audioURL string, enabled bool, d Deps) *Mix {
	m := &Mix{
		Deps:       d,
		overlayURL: overlayURL,
		audioURL:   audioURL,
		workers:    make(map[*ffmpeg.Process]struct{}),
	}
	m.enabled.Store(enabled)
	return m
}

// Enabled reports the runtime toggle.
func (m *Mix) Enabled() bool { return m.enabled.Load() }

// SetEnabled flips the runtime toggle. Turning the stage off stops every
// running mix worker and invokes the OnDisabled hook (once per transition).
func (m *Mix) SetEnabled(v bool) {
	was := m.enabled.Swap(v)
	if !was || v {
		return
	}
	m.mu.Lock()
	hook := m.onDisabled
	procs := make([]*ffmpeg.Process, 0, len(m.workers))
	for p := range m.workers {
		procs = append(procs, p)
	}
	m.mu.Unlock()
	for _, p := range procs {
		_ = p.Stop(GraceMix)
	}
	if hook != nil {
		hook()
	}
}

// track registers a live worker so SetEnabled(false) can reach it. It fails
// when the stage was disabled after the caller's enabled check.
func (m *Mix) track(p *ffmpeg.Process) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled.Load() {
		return false
	}
	m.workers[p] = struct{}{}
	return true
}

func (m *Mix) untrack(p *ffmpeg.Process) {
	m.mu.Lock()
	delete(m.workers, p)
	m.mu.Unlock()
}

// OnDisabled registers the hook invoked when the stage is switched off.
func (m *Mix) OnDisabled(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisabled = fn
}

// Args builds the encoder argument vector for one mix worker.
func (m *Mix) Args() []string {
	args := ffmpeg.BaseArgs()
	args = append(args, ffmpeg.InputReconnectArgs()...)
	args = append(args, "-f", "mjpeg", "-i", m.overlayURL)

	audio := m.audioURL != ""
	if audio {
		args = append(args, "-i", m.audioURL)
	}

	args = append(args,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-profile:v", "high",
		"-b:v", "2500k",
		"-g", "60",
		"-pix_fmt", "yuv420p",
	)
	if audio {
		args = append(args,
			"-c:a", "aac",
			"-b:a", "128k",
			"-ar", "44100",
		)
	} else {
		args = append(args, "-an")
	}

	args = append(args,
		"-movflags", "+frag_keyframe+empty_moov",
		"-f", "mp4",
		"-",
	)
	return args
}

// captureArgs builds the vector for one frame out of the mix output.
func (m *Mix) captureArgs(mixURL string) []string {
	args := ffmpeg.BaseArgs()
	args = append(args,
		"-i", mixURL,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-",
	)
	return args
}

// ServeStream handles GET /stream/mix.
func (m *Mix) ServeStream(w http.ResponseWriter, r *http.Request) {
	if !m.Enabled() {
		http.Error(w, "mix stage is disabled by configuration", http.StatusServiceUnavailable)
		return
	}

	p, err := m.startWorker(nil, "mix", m.Args())
	if err != nil {
		http.Error(w, "encoder failed to start", http.StatusBadGateway)
		return
	}
	if !m.track(p) {
		_ = p.Stop(0)
		http.Error(w, "mix stage is disabled by configuration", http.StatusServiceUnavailable)
		return
	}
	defer m.untrack(p)

	w.Header().Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusOK)
	serveProcess(w, r, p, GraceMix, m.Log)
}

// ServeCapture handles GET /stream/mix/capture: one frame decoded from the
// fragmented MP4 output. mixURL points back at this server's mix endpoint.
func (m *Mix) ServeCapture(mixURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			http.Error(w, "mix stage is disabled by configuration", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), captureDeadline)
		defer cancel()

		p, err := m.startWorker(ctx, "mix-capture", m.captureArgs(mixURL))
		if err != nil {
			http.Error(w, "encoder failed to start", http.StatusBadGateway)
			return
		}
		defer func() { _ = p.Stop(0) }()
		if !m.track(p) {
			http.Error(w, "mix stage is disabled by configuration", http.StatusServiceUnavailable)
			return
		}
		defer m.untrack(p)

		frame, err := readAll(ctx, p.Stdout())
		if err != nil || len(frame) == 0 {
			if ctx.Err() == context.DeadlineExceeded {
				http.Error(w, "capture deadline exceeded", http.StatusGatewayTimeout)
			} else {
				http.Error(w, "encoder failed", http.StatusBadGateway)
			}
			return
		}
		writeJPEG(w, frame)
	}
}
