// Package timelapse owns time-lapse sessions: directory layout, frame
// numbering, metadata persistence, resume decisions, and final MP4 assembly.
package timelapse

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// SessionState is the lifecycle state of one time-lapse session.
type SessionState string

const (
	StateActive     SessionState = "active"
	StatePaused     SessionState = "paused"
	StateFinalizing SessionState = "finalizing"
	StateFinalized  SessionState = "finalized"
)

// MetadataFile is the per-session metadata filename.
const MetadataFile = "timelapse_metadata.json"

// framePattern matches frame files and captures the frame index.
var framePattern = regexp.MustCompile(`^frame_(\d{6})\.jpg$`)

var (
	// ErrPaused is returned by AppendFrame while the session is paused.
	ErrPaused = errors.New("session paused")
	// ErrNoFrames is returned by Finalize when no frames were captured.
	ErrNoFrames = errors.New("no frames captured")
	// ErrConflict is returned when an operation is refused because the
	// session is active.
	ErrConflict = errors.New("session is active")
	// ErrNotFound is returned for unknown sessions or frames.
	ErrNotFound = errors.New("not found")
)

// Metadata is persisted as timelapse_metadata.json inside the session
// directory and drives the resume decision across restarts.
type Metadata struct {
	SessionName       string    `json:"session_name"`
	MoonrakerFilename string    `json:"moonraker_filename,omitempty"`
	StartedAt         time.Time `json:"started_at"`
}

// Session is one time-lapse in progress. The per-session mutex serializes
// frame appends and state transitions; holders must not perform network or
// subprocess work while holding it.
type Session struct {
	mu sync.Mutex

	name              string
	dir               string
	frameCounter      int
	moonrakerFilename string
	state             SessionState
	lastFrameTime     time.Time
	lastLayerFired    bool
}

// Name returns the unique session name.
func (s *Session) Name() string { return s.name }

// Dir returns the session's output directory.
func (s *Session) Dir() string { return s.dir }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FrameCount returns the number of appended frames.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameCounter
}

// LastFrameTime returns the wall-clock time of the latest append.
func (s *Session) LastFrameTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrameTime
}

// AppendFrame writes the next zero-padded frame file atomically and
// advances the counter. Paused sessions skip appends with ErrPaused;
// finalizing/finalized sessions refuse with ErrConflict.
func (s *Session) AppendFrame(jpeg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StatePaused:
		return ErrPaused
	case StateFinalizing, StateFinalized:
		return ErrConflict
	}

	path := filepath.Join(s.dir, frameName(s.frameCounter))
	if err := writeFileAtomic(path, jpeg); err != nil {
		return err
	}
	s.frameCounter++
	s.lastFrameTime = time.Now()
	return nil
}

// setState transitions between active and paused. Finalizing states are
// managed by the manager and never reverted here.
func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFinalizing || s.state == StateFinalized {
		return
	}
	s.state = state
}

// beginFinalize marks the session finalizing. Returns false when it has
// already been finalized or is being finalized (idempotence).
func (s *Session) beginFinalize() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFinalizing || s.state == StateFinalized {
		return false
	}
	s.state = StateFinalizing
	return true
}

func (s *Session) finishFinalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFinalized
}

// fireLastLayer reports whether the last-layer trigger should fire, at most
// once per session.
func (s *Session) fireLastLayer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastLayerFired {
		return false
	}
	s.lastLayerFired = true
	return true
}

// VideoPath is the assembled MP4 path for this session.
func (s *Session) VideoPath() string {
	return filepath.Join(s.dir, s.name+".mp4")
}

// frameName formats a frame index into its canonical filename.
func frameName(i int) string {
	return fmt.Sprintf("frame_%06d.jpg", i)
}

// listFrames returns the session directory's frame filenames sorted by
// index.
func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var frames []string
	for _, e := range entries {
		if !e.IsDir() && framePattern.MatchString(e.Name()) {
			frames = append(frames, e.Name())
		}
	}
	sort.Strings(frames)
	return frames, nil
}

// highestFrame returns the highest frame index present in dir and the mtime
// of that frame. ok is false when no frames exist.
func highestFrame(dir string) (index int, mtime time.Time, ok bool) {
	frames, err := listFrames(dir)
	if err != nil || len(frames) == 0 {
		return 0, time.Time{}, false
	}
	last := frames[len(frames)-1]
	m := framePattern.FindStringSubmatch(last)
	index, _ = strconv.Atoi(m[1])
	info, err := os.Stat(filepath.Join(dir, last))
	if err != nil {
		return 0, time.Time{}, false
	}
	return index, info.ModTime(), true
}

// readMetadata loads the session metadata from dir, or nil when absent.
func readMetadata(dir string) *Metadata {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil
	}
	return &md
}

// writeMetadata persists the session metadata atomically.
func writeMetadata(dir string, md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, MetadataFile), data)
}

// writeFileAtomic writes data to path via temp-file-then-rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
