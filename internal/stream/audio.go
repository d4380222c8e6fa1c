package stream

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"printcast/internal/ffmpeg"
	"printcast/internal/platform/config"
)

// audioExtensions lists the file types picked up from the audio folder.
var audioExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".wav":  true,
	".m4a":  true,
}

// Station is the process-wide audio stage: it plays the track queue through
// one encoder at a time and fans the MP3 byte stream out to every listener.
// MP3 frames from consecutive encoder runs concatenate cleanly, which keeps
// the stream gapless across track changes. Implements suture.Service.
type Station struct {
	Deps
	folder  string
	bitrate string
	enabled bool

	mu              sync.Mutex
	library         []string
	queue           []string
	current         string
	shuffle         bool
	endAfterCurrent bool
	stopped         bool // true after end-after-current fires, until cleared

	listeners map[chan []byte]bool
}

// NewStation builds the audio stage from configuration.
func NewStation(cfg config.AudioConfig, d Deps) *Station {
	return &Station{
		Deps:      d,
		folder:    cfg.Folder,
		bitrate:   cfg.Bitrate,
		enabled:   cfg.Enabled,
		shuffle:   cfg.Shuffle,
		listeners: make(map[chan []byte]bool),
	}
}

// Enabled reports whether the audio stage is configured on.
func (st *Station) Enabled() bool { return st.enabled }

// NowPlaying returns the basename of the current track, or "".
func (st *Station) NowPlaying() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current == "" {
		return ""
	}
	base := filepath.Base(st.current)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SetEndAfterCurrent toggles stopping playback at the end of the current
// track. Clearing the flag resumes a stopped station.
func (st *Station) SetEndAfterCurrent(v bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.endAfterCurrent = v
	if !v {
		st.stopped = false
	}
}

// EndAfterCurrent reports the toggle.
func (st *Station) EndAfterCurrent() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.endAfterCurrent
}

// Serve runs the playback loop until ctx is cancelled.
func (st *Station) Serve(ctx context.Context) error {
	if !st.enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	for ctx.Err() == nil {
		track, ok := st.nextTrack()
		if !ok {
			// Empty library or stopped; re-check shortly.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		st.playTrack(ctx, track)

		st.mu.Lock()
		st.current = ""
		if st.endAfterCurrent {
			st.endAfterCurrent = false
			st.stopped = true
		}
		st.mu.Unlock()
	}
	return ctx.Err()
}

// nextTrack pops the queue head, rebuilding the queue from the library when
// it runs dry. Returns false when there is nothing to play.
func (st *Station) nextTrack() (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.stopped {
		return "", false
	}
	if len(st.queue) == 0 {
		st.library = scanLibrary(st.folder)
		st.queue = append([]string(nil), st.library...)
		if st.shuffle {
			rand.Shuffle(len(st.queue), func(i, j int) {
				st.queue[i], st.queue[j] = st.queue[j], st.queue[i]
			})
		}
	}
	if len(st.queue) == 0 {
		return "", false
	}
	track := st.queue[0]
	st.queue = st.queue[1:]
	st.current = track
	return track, true
}

// playTrack runs one encoder over the track and fans its output out.
func (st *Station) playTrack(ctx context.Context, track string) {
	args := ffmpeg.BaseArgs()
	args = append(args,
		"-re",
		"-i", track,
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", st.bitrate,
		"-f", "mp3",
		"-",
	)

	p, err := st.startWorker(ctx, "audio", args)
	if err != nil {
		st.Log.Warn("audio track failed to start",
			slog.String("track", track), slog.String("error", err.Error()))
		return
	}
	defer func() { _ = p.Stop(GraceStream) }()

	st.Log.Info("now playing", slog.String("track", filepath.Base(track)))

	buf := make([]byte, 16*1024)
	for {
		n, err := p.Stdout().Read(buf)
		if n > 0 {
			st.broadcast(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// broadcast fans a chunk out to all listeners, dropping chunks for
// listeners whose buffers are full rather than stalling the station.
func (st *Station) broadcast(chunk []byte) {
	out := make([]byte, len(chunk))
	copy(out, chunk)

	st.mu.Lock()
	defer st.mu.Unlock()
	for ch := range st.listeners {
		select {
		case ch <- out:
		default:
		}
	}
}

func (st *Station) subscribe() chan []byte {
	ch := make(chan []byte, 64)
	st.mu.Lock()
	st.listeners[ch] = true
	st.mu.Unlock()
	return ch
}

func (st *Station) unsubscribe(ch chan []byte) {
	st.mu.Lock()
	delete(st.listeners, ch)
	st.mu.Unlock()
}

// ServeStream handles GET /stream/audio: a continuous MP3 stream.
func (st *Station) ServeStream(w http.ResponseWriter, r *http.Request) {
	if !st.enabled {
		http.Error(w, "audio is disabled by configuration", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.WriteHeader(http.StatusOK)

	ch := st.subscribe()
	defer st.unsubscribe(ch)

	flusher, _ := w.(http.Flusher)
	for {
		select {
		case <-r.Context().Done():
			return
		case chunk := <-ch:
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// scanLibrary lists audio files under folder in stable name order.
func scanLibrary(folder string) []string {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if audioExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			out = append(out, filepath.Join(folder, e.Name()))
		}
	}
	sort.Strings(out)
	return out
}
