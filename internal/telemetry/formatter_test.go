package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"printcast/internal/moonraker"
)

func TestWriteAtomic_replacesContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.txt")

	if err := WriteAtomic(path, []byte("first")); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if err := WriteAtomic(path, []byte("second")); err != nil {
		t.Fatalf("WriteAtomic replace: %v", err)
	}
	got, err := ReadOverlayText(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != "second" {
		t.Errorf("contents = %q", got)
	}

	// No stray temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want 1", len(entries))
	}
}

func TestReadOverlayText_missing(t *testing.T) {
	_, err := ReadOverlayText(filepath.Join(t.TempDir(), "missing.txt"))
	if err == nil {
		t.Error("expected error for missing file")
	}
}

type metaProvider struct {
	meta  *moonraker.FileMetadata
	err   error
	calls int
}

func (p *metaProvider) GetPrintInfo(ctx context.Context) (*moonraker.PrinterState, error) {
	return nil, nil
}

func (p *metaProvider) GetFileMetadata(ctx context.Context, filename string) (*moonraker.FileMetadata, error) {
	p.calls++
	return p.meta, p.err
}

func (p *metaProvider) ListFiles(ctx context.Context, path string) ([]moonraker.FileEntry, error) {
	return nil, nil
}

func (p *metaProvider) DownloadFile(ctx context.Context, filename string) ([]byte, error) {
	return nil, nil
}

func TestMetaCache_cachesPerFilename(t *testing.T) {
	p := &metaProvider{meta: &moonraker.FileMetadata{Filename: "benchy.gcode", Slicer: "PrusaSlicer"}}
	c := NewMetaCache(p)

	if m := c.Get(t.Context(), "benchy.gcode"); m == nil || m.Slicer != "PrusaSlicer" {
		t.Fatalf("Get = %+v", m)
	}
	c.Get(t.Context(), "benchy.gcode")
	if p.calls != 1 {
		t.Errorf("calls = %d, want 1 (cached)", p.calls)
	}
}

func TestMetaCache_failureNotCached(t *testing.T) {
	p := &metaProvider{err: errors.New("unreachable")}
	c := NewMetaCache(p)

	if m := c.Get(t.Context(), "benchy.gcode"); m != nil {
		t.Errorf("Get on failure = %+v, want nil", m)
	}
	p.err = nil
	p.meta = &moonraker.FileMetadata{Filename: "benchy.gcode"}
	if m := c.Get(t.Context(), "benchy.gcode"); m == nil {
		t.Error("expected retry to succeed after failure")
	}
	if p.calls != 2 {
		t.Errorf("calls = %d, want 2", p.calls)
	}
}

func TestMetaCache_emptyFilename(t *testing.T) {
	p := &metaProvider{}
	c := NewMetaCache(p)
	if m := c.Get(t.Context(), ""); m != nil {
		t.Errorf("Get(\"\") = %+v", m)
	}
	if p.calls != 0 {
		t.Errorf("provider called for empty filename")
	}
}
