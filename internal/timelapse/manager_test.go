package timelapse

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"printcast/internal/moonraker"
	"printcast/internal/platform/config"
	"printcast/internal/platform/metrics"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.TimelapseConfig{
		MainFolder:             dir,
		ResumeWithinSeconds:    300,
		AutoFinalize:           true,
		LastLayerOffset:        1,
		LastLayerRemainingSecs: 30,
		LastLayerProgressPct:   98.5,
		CaptureIntervalSeconds: 10,
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(cfg, log, metrics.New()), dir
}

func TestStartTimelapse_newSession(t *testing.T) {
	m, dir := testManager(t)
	s, err := m.StartTimelapse("benchy.gcode")
	if err != nil {
		t.Fatalf("StartTimelapse: %v", err)
	}
	if s.Name() != "benchy" {
		t.Errorf("session name = %q, want benchy", s.Name())
	}
	if _, err := os.Stat(filepath.Join(dir, "benchy", MetadataFile)); err != nil {
		t.Errorf("metadata not written: %v", err)
	}
	if m.ActiveSessionName() != "benchy" {
		t.Errorf("ActiveSessionName = %q", m.ActiveSessionName())
	}
}

func TestStartTimelapse_idempotentForSameFilename(t *testing.T) {
	m, _ := testManager(t)
	s1, _ := m.StartTimelapse("benchy.gcode")
	s2, err := m.StartTimelapse("benchy.gcode")
	if err != nil {
		t.Fatalf("second StartTimelapse: %v", err)
	}
	if s1 != s2 {
		t.Error("expected the same session for the same filename")
	}
}

func TestAppendFrame_contiguousNames(t *testing.T) {
	m, dir := testManager(t)
	s, _ := m.StartTimelapse("benchy.gcode")

	for i := 0; i < 3; i++ {
		if err := s.AppendFrame([]byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9}); err != nil {
			t.Fatalf("AppendFrame %d: %v", i, err)
		}
	}
	frames, err := listFrames(filepath.Join(dir, "benchy"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"frame_000000.jpg", "frame_000001.jpg", "frame_000002.jpg"}
	if len(frames) != len(want) {
		t.Fatalf("frames = %v", frames)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frames[%d] = %q, want %q", i, frames[i], want[i])
		}
	}
}

func TestAppendFrame_pausedSkips(t *testing.T) {
	m, _ := testManager(t)
	s, _ := m.StartTimelapse("benchy.gcode")
	m.NotifyPrinterState(moonraker.StatePaused)

	if err := s.AppendFrame([]byte{0xFF, 0xD8}); !errors.Is(err, ErrPaused) {
		t.Errorf("expected ErrPaused, got %v", err)
	}
	if s.FrameCount() != 0 {
		t.Errorf("FrameCount = %d after paused append", s.FrameCount())
	}

	m.NotifyPrinterState(moonraker.StatePrinting)
	if err := s.AppendFrame([]byte{0xFF, 0xD8}); err != nil {
		t.Errorf("append after resume: %v", err)
	}
}

func TestStartTimelapse_resumeByMetadata(t *testing.T) {
	m, dir := testManager(t)
	s, _ := m.StartTimelapse("benchy.gcode")
	s.AppendFrame([]byte("a"))
	s.AppendFrame([]byte("b"))

	// Simulate a crash: drop in-memory state, keep the directory.
	m2, _ := testManager(t)
	m2.cfg.MainFolder = dir

	s2, err := m2.StartTimelapse("benchy.gcode")
	if err != nil {
		t.Fatalf("resume StartTimelapse: %v", err)
	}
	if s2.Name() != "benchy" {
		t.Errorf("resumed into %q, want benchy", s2.Name())
	}
	if err := s2.AppendFrame([]byte("c")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "benchy", "frame_000002.jpg")); err != nil {
		t.Errorf("resumed numbering did not continue: %v", err)
	}
}

func TestStartTimelapse_freshSuffixWhenNotResumable(t *testing.T) {
	m, dir := testManager(t)

	// An old directory for a different print of the same base name: stale
	// mtime and mismatched metadata.
	old := filepath.Join(dir, "benchy")
	os.MkdirAll(old, 0o755)
	writeMetadata(old, Metadata{SessionName: "benchy", MoonrakerFilename: "other.gcode", StartedAt: time.Now().Add(-time.Hour)})
	os.WriteFile(filepath.Join(old, "frame_000000.jpg"), []byte("x"), 0o644)
	stale := time.Now().Add(-time.Hour)
	os.Chtimes(filepath.Join(old, "frame_000000.jpg"), stale, stale)

	s, err := m.StartTimelapse("benchy.gcode")
	if err != nil {
		t.Fatal(err)
	}
	if s.Name() != "benchy_1" {
		t.Errorf("session name = %q, want benchy_1", s.Name())
	}
}

func TestStartTimelapse_resumeWithinWindowByName(t *testing.T) {
	m, dir := testManager(t)

	old := filepath.Join(dir, "benchy")
	os.MkdirAll(old, 0o755)
	// No metadata match, but the last frame is fresh.
	os.WriteFile(filepath.Join(old, "frame_000000.jpg"), []byte("x"), 0o644)

	s, err := m.StartTimelapse("benchy.gcode")
	if err != nil {
		t.Fatal(err)
	}
	if s.Name() != "benchy" {
		t.Errorf("session name = %q, want benchy (resume by name + window)", s.Name())
	}
	if s.FrameCount() != 1 {
		t.Errorf("frame counter = %d, want 1", s.FrameCount())
	}
}

func TestDeleteFrame_activeSessionRefused(t *testing.T) {
	m, _ := testManager(t)
	s, _ := m.StartTimelapse("benchy.gcode")
	s.AppendFrame([]byte("a"))

	if err := m.DeleteFrame("benchy", "frame_000000.jpg"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestDeleteFrame_reindexesContiguous(t *testing.T) {
	m, dir := testManager(t)
	sdir := filepath.Join(dir, "done")
	os.MkdirAll(sdir, 0o755)
	for i := 0; i < 4; i++ {
		os.WriteFile(filepath.Join(sdir, frameName(i)), []byte{byte(i)}, 0o644)
	}

	if err := m.DeleteFrame("done", "frame_000001.jpg"); err != nil {
		t.Fatalf("DeleteFrame: %v", err)
	}
	frames, _ := listFrames(sdir)
	want := []string{"frame_000000.jpg", "frame_000001.jpg", "frame_000002.jpg"}
	if len(frames) != 3 {
		t.Fatalf("frames = %v", frames)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frames[%d] = %q, want %q", i, frames[i], want[i])
		}
	}
	// Frame 2 (old index) slid down into slot 1.
	data, _ := os.ReadFile(filepath.Join(sdir, "frame_000001.jpg"))
	if len(data) != 1 || data[0] != 2 {
		t.Errorf("reindex moved wrong content: %v", data)
	}
}

func TestDeleteFrame_unknownSession(t *testing.T) {
	m, _ := testManager(t)
	if err := m.DeleteFrame("missing", "frame_000000.jpg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessions(t *testing.T) {
	m, _ := testManager(t)
	s, _ := m.StartTimelapse("benchy.gcode")
	s.AppendFrame([]byte("a"))

	infos, err := m.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("sessions = %+v", infos)
	}
	if !infos[0].Active || infos[0].FrameCount != 1 || infos[0].Name != "benchy" {
		t.Errorf("unexpected session info: %+v", infos[0])
	}
}

func TestFinalize_noFrames(t *testing.T) {
	m, _ := testManager(t)
	m.StartTimelapse("benchy.gcode")

	if _, err := m.Finalize(t.Context(), "benchy"); !errors.Is(err, ErrNoFrames) {
		t.Errorf("expected ErrNoFrames, got %v", err)
	}
	if m.ActiveSessionName() != "" {
		t.Error("session should be closed after finalize")
	}
}

func TestSessionName_traversalRejected(t *testing.T) {
	m, dir := testManager(t)
	// A sibling of the store that must stay out of reach.
	outside := filepath.Join(filepath.Dir(dir), "outside")
	os.MkdirAll(outside, 0o755)
	os.WriteFile(filepath.Join(outside, "frame_000001.jpg"), []byte("jpg"), 0o644)

	for _, name := range []string{"../outside", "..", "a/b", `a\b`, "", "with.dots"} {
		if _, err := m.ListFrames(name); !errors.Is(err, ErrNotFound) {
			t.Errorf("ListFrames(%q) = %v, want ErrNotFound", name, err)
		}
		if err := m.DeleteFrame(name, "frame_000001.jpg"); !errors.Is(err, ErrNotFound) {
			t.Errorf("DeleteFrame(%q) = %v, want ErrNotFound", name, err)
		}
		if _, err := m.Generate(t.Context(), name); !errors.Is(err, ErrNotFound) {
			t.Errorf("Generate(%q) = %v, want ErrNotFound", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(outside, "frame_000001.jpg")); err != nil {
		t.Errorf("file outside the store was touched: %v", err)
	}
}

func TestFinalize_existingVideoUntouched(t *testing.T) {
	m, dir := testManager(t)
	sessDir := filepath.Join(dir, "benchy")
	if err := os.MkdirAll(sessDir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(sessDir, "frame_000001.jpg"), []byte("jpg"), 0o644)
	video := filepath.Join(sessDir, "benchy.mp4")
	os.WriteFile(video, []byte("assembled"), 0o644)

	path, err := m.Finalize(t.Context(), "benchy")
	if err != nil || path != "" {
		t.Errorf("Finalize on finalized session = (%q, %v), want (\"\", nil)", path, err)
	}
	data, _ := os.ReadFile(video)
	if string(data) != "assembled" {
		t.Errorf("video rewritten: %q", data)
	}
}

func TestGenerate_forcesReassembly(t *testing.T) {
	m, dir := testManager(t)
	sessDir := filepath.Join(dir, "benchy")
	if err := os.MkdirAll(sessDir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(sessDir, "frame_000001.jpg"), []byte("jpg"), 0o644)
	os.WriteFile(filepath.Join(sessDir, "benchy.mp4"), []byte("assembled"), 0o644)

	// Unlike Finalize, Generate must attempt assembly despite the existing
	// video. The fake frame makes the encoder fail, but never the no-op.
	video, err := m.Generate(t.Context(), "benchy")
	if err == nil && video == "" {
		t.Error("Generate skipped assembly for an existing video")
	}
}
