package telemetry

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"printcast/internal/moonraker"
	"printcast/internal/platform/config"
)

// snapshotter yields the most recent printer snapshot, normally the poller.
type snapshotter interface {
	Latest() *moonraker.PrinterState
}

// Formatter periodically rewrites the overlay text file from the latest
// printer snapshot. Writes are atomic (write-temp-then-rename) so overlay
// workers never read a truncated banner. Implements suture.Service.
type Formatter struct {
	src      snapshotter
	path     string
	interval time.Duration
	log      *slog.Logger
}

// NewFormatter builds a Formatter writing to cfg.TextFile every
// cfg.RefreshInterval.
func NewFormatter(src snapshotter, cfg config.OverlayConfig, log *slog.Logger) *Formatter {
	return &Formatter{
		src:      src,
		path:     cfg.TextFile,
		interval: cfg.RefreshInterval(),
		log:      log,
	}
}

// Serve runs the refresh loop until ctx is cancelled.
func (f *Formatter) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	// Write once immediately so overlay workers have a banner before the
	// first tick.
	f.refresh()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.refresh()
		}
	}
}

func (f *Formatter) refresh() {
	text := RenderBanner(f.src.Latest())
	if err := WriteAtomic(f.path, []byte(text)); err != nil {
		f.log.Warn("overlay text write failed", slog.String("error", err.Error()))
	}
}

// WriteAtomic replaces path with data via a temp file in the same directory
// followed by rename, so concurrent readers see either the old or the new
// contents in full.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ReadOverlayText reads the banner file, retrying once when the file
// vanishes between open and read (the rename window).
func ReadOverlayText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// MetaCache caches the file metadata for the file currently printing so the
// OBS endpoint does not hit Moonraker on every request.
type MetaCache struct {
	provider moonraker.Provider

	mu       sync.Mutex
	filename string
	meta     *moonraker.FileMetadata
}

// NewMetaCache returns an empty cache backed by provider.
func NewMetaCache(provider moonraker.Provider) *MetaCache {
	return &MetaCache{provider: provider}
}

// Get returns metadata for filename, fetching on miss. A fetch failure
// returns nil without caching, so the next call retries.
func (c *MetaCache) Get(ctx context.Context, filename string) *moonraker.FileMetadata {
	if filename == "" {
		return nil
	}
	c.mu.Lock()
	if c.filename == filename && c.meta != nil {
		meta := c.meta
		c.mu.Unlock()
		return meta
	}
	c.mu.Unlock()

	meta, err := c.provider.GetFileMetadata(ctx, filename)
	if err != nil {
		return nil
	}

	c.mu.Lock()
	c.filename = filename
	c.meta = meta
	c.mu.Unlock()
	return meta
}
