package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"printcast/internal/ffmpeg"
)

// Broadcast connect policy: each attempt gets 10 s to survive its startup
// window, with up to 3 attempts 500 ms apart.
const (
	connectWindow   = 10 * time.Second
	connectAttempts = 3
	connectBackoff  = 500 * time.Millisecond
)

// Broadcaster publishes the mix endpoint to an RTMP ingest URL. Singleton
// while a broadcast session is active; owned by the lifecycle orchestrator.
type Broadcaster struct {
	Deps
	mixURL string

	mu   sync.Mutex
	proc *ffmpeg.Process
	done chan error
}

// NewBroadcaster builds the broadcast stage reading from mixURL.
func NewBroadcaster(mixURL string, d Deps) *Broadcaster {
	return &Broadcaster{Deps: d, mixURL: mixURL}
}

// Args builds the publish argument vector: remux the fragmented MP4 into
// FLV without re-encoding.
func (b *Broadcaster) Args(rtmpURL string) []string {
	args := ffmpeg.BaseArgs()
	args = append(args,
		"-re",
		"-i", b.mixURL,
		"-c", "copy",
		"-f", "flv",
		rtmpURL,
	)
	return args
}

// Start launches the publisher toward rtmpURL. An encoder that dies inside
// the connect window counts as a failed attempt; after three failures the
// last error is returned.
func (b *Broadcaster) Start(ctx context.Context, rtmpURL string) error {
	b.mu.Lock()
	if b.proc != nil {
		b.mu.Unlock()
		return fmt.Errorf("broadcast already running")
	}
	b.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p, err := b.startWorker(ctx, "broadcast", b.Args(rtmpURL))
		if err != nil {
			lastErr = err
		} else if waitExit(p, connectWindow) {
			_, lastErr = p.Wait(ctx)
			if lastErr == nil {
				lastErr = fmt.Errorf("%w: broadcast exited during connect", ffmpeg.ErrEncoder)
			}
		} else {
			// Survived the connect window; consider it live.
			done := make(chan error, 1)
			go func() {
				_, err := p.Wait(context.Background())
				done <- err
			}()
			b.mu.Lock()
			b.proc = p
			b.done = done
			b.mu.Unlock()
			return nil
		}

		if attempt < connectAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(connectBackoff):
			}
		}
	}
	return lastErr
}

// Stop shuts the publisher down with the default grace. Idempotent.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	p := b.proc
	b.proc = nil
	b.mu.Unlock()
	if p != nil {
		_ = p.Stop(GraceDefault)
	}
}

// Running reports whether a publisher process is active.
func (b *Broadcaster) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proc != nil
}

// Done returns the exit channel of the current publisher, or nil when no
// broadcast is running.
func (b *Broadcaster) Done() <-chan error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}
