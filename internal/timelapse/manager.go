package timelapse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"printcast/internal/ffmpeg"
	"printcast/internal/moonraker"
	"printcast/internal/platform/config"
	"printcast/internal/platform/logger"
	"printcast/internal/platform/metrics"
)

// finalizeGrace is how long Finalize waits for the encoder after the input
// is exhausted before killing it.
const finalizeGrace = 30 * time.Second

// SessionInfo is the API-facing summary of one session directory.
type SessionInfo struct {
	Name       string    `json:"name"`
	FrameCount int       `json:"frame_count"`
	HasVideo   bool      `json:"has_video"`
	Active     bool      `json:"active"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// Manager owns the time-lapse store directory and the single active
// session. All session lifecycle operations funnel through it.
type Manager struct {
	cfg     config.TimelapseConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active *Session
}

func NewManager(cfg config.TimelapseConfig, log *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{cfg: cfg, log: log.With("component", "timelapse"), metrics: m}
}

// Active returns the currently active session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ActiveSessionName returns the active session's name, or "".
func (m *Manager) ActiveSessionName() string {
	if s := m.Active(); s != nil {
		return s.Name()
	}
	return ""
}

// StartTimelapse opens a session for the given Moonraker filename. An
// interrupted session for the same print is resumed in place; otherwise a
// fresh directory with a numeric suffix is allocated. Idempotent when a
// session for the same filename is already active.
func (m *Manager) StartTimelapse(moonrakerFilename string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if m.active.moonrakerFilename == moonrakerFilename {
			return m.active, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrConflict, m.active.name)
	}

	base := Sanitize(moonrakerFilename)
	if err := os.MkdirAll(m.cfg.MainFolder, 0o755); err != nil {
		return nil, fmt.Errorf("create timelapse folder: %w", err)
	}

	name, dir, resumeFrom, resumed := m.resolveSessionDir(base, moonrakerFilename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session folder: %w", err)
	}

	s := &Session{
		name:              name,
		dir:               dir,
		frameCounter:      resumeFrom,
		moonrakerFilename: moonrakerFilename,
		state:             StateActive,
	}
	if resumed {
		m.log.Info("resuming timelapse session", "session", name, "next_frame", resumeFrom)
	} else {
		m.log.Info("starting timelapse session", "session", name)
		if err := writeMetadata(dir, Metadata{
			SessionName:       name,
			MoonrakerFilename: moonrakerFilename,
			StartedAt:         time.Now().UTC(),
		}); err != nil {
			m.log.Warn("failed to write session metadata", "session", name, "error", err)
		}
	}

	m.active = s
	m.metrics.SetActiveSessions(1)
	return s, nil
}

// resolveSessionDir scans existing directories sharing the sanitized base
// name and decides between resuming one of them and allocating a fresh
// suffixed directory. Callers hold m.mu.
func (m *Manager) resolveSessionDir(base, moonrakerFilename string) (name, dir string, resumeFrom int, resumed bool) {
	candidates := []string{base}
	entries, err := os.ReadDir(m.cfg.MainFolder)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() && e.Name() != base && strings.HasPrefix(e.Name(), base+"_") {
				candidates = append(candidates, e.Name())
			}
		}
	}
	sort.Strings(candidates)

	for _, cand := range candidates {
		candDir := filepath.Join(m.cfg.MainFolder, cand)
		if _, err := os.Stat(candDir); err != nil {
			continue
		}
		if m.shouldResume(candDir, cand, moonrakerFilename) {
			highest, _, _ := highestFrame(candDir)
			return cand, candDir, highest + 1, true
		}
	}

	// No resumable session: the bare name if unused, else the lowest free
	// numeric suffix.
	if _, err := os.Stat(filepath.Join(m.cfg.MainFolder, base)); os.IsNotExist(err) {
		return base, filepath.Join(m.cfg.MainFolder, base), 0, false
	}
	for i := 1; ; i++ {
		cand := fmt.Sprintf("%s_%d", base, i)
		candDir := filepath.Join(m.cfg.MainFolder, cand)
		if _, err := os.Stat(candDir); os.IsNotExist(err) {
			return cand, candDir, 0, false
		}
	}
}

// shouldResume applies the resume rules to one candidate directory: a
// metadata match on the Moonraker filename with frames present, or a name
// match with the last frame written within the resume window. A directory
// that already holds an assembled video is never resumed.
func (m *Manager) shouldResume(dir, name, moonrakerFilename string) bool {
	if _, err := os.Stat(filepath.Join(dir, name+".mp4")); err == nil {
		return false
	}
	_, lastMtime, hasFrames := highestFrame(dir)
	if !hasFrames {
		return false
	}
	if md := readMetadata(dir); md != nil && md.MoonrakerFilename == moonrakerFilename {
		return true
	}
	if name == Sanitize(moonrakerFilename) && time.Since(lastMtime) <= m.cfg.ResumeWindow() {
		return true
	}
	return false
}

// NotifyPrinterState maps printer states onto the active session: paused
// suspends frame appends, printing resumes them.
func (m *Manager) NotifyPrinterState(state moonraker.State) {
	s := m.Active()
	if s == nil {
		return
	}
	switch state {
	case moonraker.StatePaused:
		s.setState(StatePaused)
	case moonraker.StatePrinting:
		s.setState(StateActive)
	}
}

// NotifyPrintProgress evaluates the layer-based last-layer trigger and, when
// auto-finalize is on, finalizes the active session in the background. Fires
// at most once per session.
func (m *Manager) NotifyPrintProgress(st moonraker.PrinterState) {
	if !m.cfg.AutoFinalize {
		return
	}
	s := m.Active()
	if s == nil || !st.Printing() {
		return
	}
	if !st.NearCompletion(
		time.Duration(m.cfg.LastLayerRemainingSecs)*time.Second,
		m.cfg.LastLayerProgressPct,
		m.cfg.LastLayerOffset,
	) {
		return
	}
	if !s.fireLastLayer() {
		return
	}
	m.log.Info("last layer reached, finalizing timelapse", "session", s.Name())
	go func() {
		if _, err := m.Finalize(context.Background(), s.Name()); err != nil && err != ErrNoFrames {
			m.log.Error("auto-finalize failed", "session", s.Name(), "error", err)
		}
	}()
}

// Finalize assembles the session's frames into an MP4 and closes the
// session. Finalizing a session with no frames returns ErrNoFrames and
// still closes it. Repeated calls on an already finalized session are
// no-ops.
func (m *Manager) Finalize(ctx context.Context, name string) (videoPath string, err error) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()

	if s == nil || s.Name() != name {
		// A past session: assemble directly from disk.
		return m.assembleDir(ctx, name, false)
	}
	if !s.beginFinalize() {
		return "", nil
	}
	defer func() {
		s.finishFinalize()
		m.mu.Lock()
		if m.active == s {
			m.active = nil
			m.metrics.SetActiveSessions(0)
		}
		m.mu.Unlock()
	}()

	if s.FrameCount() == 0 {
		m.log.Warn("finalize with no frames", "session", name)
		return "", ErrNoFrames
	}
	if err := m.assemble(ctx, s.Dir(), s.VideoPath()); err != nil {
		return "", err
	}
	m.log.Info("timelapse assembled", "session", name, "video", s.VideoPath(), "frames", s.FrameCount())
	return s.VideoPath(), nil
}

// Generate force-assembles a session's MP4, replacing any existing video.
// The active session is finalized instead.
func (m *Manager) Generate(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s != nil && s.Name() == name {
		return m.Finalize(ctx, name)
	}
	return m.assembleDir(ctx, name, true)
}

// validName reports whether name could have come out of Sanitize: no path
// separators, and dots never survive sanitizing.
func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\.`)
}

// assembleDir finalizes a non-active session directory by name. Unless
// force is set, a session whose video already exists is left untouched.
func (m *Manager) assembleDir(ctx context.Context, name string, force bool) (string, error) {
	if !validName(name) {
		return "", ErrNotFound
	}
	dir := filepath.Join(m.cfg.MainFolder, name)
	if _, err := os.Stat(dir); err != nil {
		return "", ErrNotFound
	}
	out := filepath.Join(dir, name+".mp4")
	if !force {
		if _, err := os.Stat(out); err == nil {
			return "", nil
		}
	}
	frames, err := listFrames(dir)
	if err != nil {
		return "", err
	}
	if len(frames) == 0 {
		return "", ErrNoFrames
	}
	if err := m.assemble(ctx, dir, out); err != nil {
		return "", err
	}
	m.log.Info("timelapse assembled", "session", name, "video", out, "frames", len(frames))
	return out, nil
}

// assemble runs ffmpeg over the frame sequence, producing an H.264 MP4.
func (m *Manager) assemble(ctx context.Context, dir, out string) error {
	argv := append(ffmpeg.BaseArgs(),
		"-y",
		"-framerate", "30",
		"-f", "image2",
		"-i", filepath.Join(dir, "frame_%06d.jpg"),
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "20",
		"-pix_fmt", "yuv420p",
		out,
	)
	p, err := ffmpeg.Start(ctx, argv, ffmpeg.Options{
		Name:   "timelapse-assemble",
		Stderr: logger.NewProcessSink(m.log, "timelapse-assemble"),
	})
	if err != nil {
		m.metrics.IncEncoderFailures("timelapse")
		return err
	}
	m.metrics.IncEncoderStarts("timelapse")

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	code, err := p.Wait(waitCtx)
	if err != nil {
		p.Stop(finalizeGrace)
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: assembly exited with code %d", ffmpeg.ErrEncoder, code)
	}
	return nil
}

// ListSessions enumerates session directories under the store.
func (m *Manager) ListSessions() ([]SessionInfo, error) {
	entries, err := os.ReadDir(m.cfg.MainFolder)
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionInfo{}, nil
		}
		return nil, err
	}
	activeName := m.ActiveSessionName()

	infos := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(m.cfg.MainFolder, e.Name())
		frames, err := listFrames(dir)
		if err != nil {
			continue
		}
		info := SessionInfo{
			Name:       e.Name(),
			FrameCount: len(frames),
			Active:     e.Name() == activeName,
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name()+".mp4")); err == nil {
			info.HasVideo = true
		}
		if md := readMetadata(dir); md != nil {
			info.StartedAt = md.StartedAt
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// ListFrames returns the frame filenames of a session, in order.
func (m *Manager) ListFrames(name string) ([]string, error) {
	if !validName(name) {
		return nil, ErrNotFound
	}
	dir := filepath.Join(m.cfg.MainFolder, name)
	if _, err := os.Stat(dir); err != nil {
		return nil, ErrNotFound
	}
	frames, err := listFrames(dir)
	if err != nil {
		return nil, err
	}
	if frames == nil {
		frames = []string{}
	}
	return frames, nil
}

// DeleteFrame removes one frame from an inactive session and renames the
// remaining frames so indices stay contiguous from zero. Deleting from the
// active session returns ErrConflict.
func (m *Manager) DeleteFrame(name, frame string) error {
	if !validName(name) {
		return ErrNotFound
	}
	if m.ActiveSessionName() == name {
		return ErrConflict
	}
	dir := filepath.Join(m.cfg.MainFolder, name)
	if _, err := os.Stat(dir); err != nil {
		return ErrNotFound
	}
	if !framePattern.MatchString(frame) {
		return ErrNotFound
	}
	target := filepath.Join(dir, frame)
	if _, err := os.Stat(target); err != nil {
		return ErrNotFound
	}
	if err := os.Remove(target); err != nil {
		return err
	}
	return reindexFrames(dir)
}

// reindexFrames renames surviving frames to a dense zero-based sequence,
// preserving their relative order.
func reindexFrames(dir string) error {
	frames, err := listFrames(dir)
	if err != nil {
		return err
	}
	for i, f := range frames {
		want := frameName(i)
		if f == want {
			continue
		}
		if err := os.Rename(filepath.Join(dir, f), filepath.Join(dir, want)); err != nil {
			return err
		}
	}
	return nil
}
