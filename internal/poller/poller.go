// Package poller runs the single process-wide task that samples printer
// state and fans out PrintStateChanged events.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"printcast/internal/moonraker"
	"printcast/internal/platform/metrics"
)

// Cadence constants. The poller tightens its interval when the print is
// close to finishing so the last-layer transition is not missed.
const (
	BaseInterval = 10 * time.Second
	FastInterval = 2 * time.Second

	fastRemainingCutoff = 2 * time.Minute
	fastProgressCutoff  = 95.0
	fastLayerOffset     = 5
)

// Subscriber receives state-change events. It is invoked on the poller's
// goroutine and must not block; real work belongs on a new goroutine.
type Subscriber func(prev, cur *moonraker.PrinterState)

// Poller periodically fetches printer status and dispatches events.
// It implements suture.Service via Serve.
type Poller struct {
	provider moonraker.Provider
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	subscribers []Subscriber
	latest      *moonraker.PrinterState
}

// New returns a Poller reading from the given provider. metrics may be nil.
func New(provider moonraker.Provider, log *slog.Logger, m *metrics.Metrics) *Poller {
	return &Poller{provider: provider, log: log, metrics: m}
}

// Subscribe registers a subscriber for all subsequent events.
func (p *Poller) Subscribe(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, s)
}

// Latest returns the most recent snapshot, or nil before the first tick.
func (p *Poller) Latest() *moonraker.PrinterState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Serve runs the poll loop until ctx is cancelled. Each tick builds one
// snapshot and dispatches it sequentially to every subscriber, newest-last.
func (p *Poller) Serve(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		cur := p.tick(ctx)
		timer.Reset(p.interval(cur))
	}
}

// tick fetches one snapshot, updates latest, and dispatches the event.
func (p *Poller) tick(ctx context.Context) *moonraker.PrinterState {
	if p.metrics != nil {
		p.metrics.IncPollTicks()
	}

	cur, err := p.provider.GetPrintInfo(ctx)
	p.mu.Lock()
	prev := p.latest
	if err != nil {
		if p.metrics != nil {
			p.metrics.IncPollErrors()
		}
		// Preserve event cadence on fetch failure: emit an unknown-state
		// snapshot carrying the previous fields.
		cur = unknownSnapshot(prev)
		p.log.Debug("printer fetch failed", slog.String("error", err.Error()))
	}
	p.latest = cur
	subs := make([]Subscriber, len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()

	for _, s := range subs {
		s(prev, cur)
	}
	return cur
}

// interval picks the next poll delay from the near-completion predicate.
func (p *Poller) interval(cur *moonraker.PrinterState) time.Duration {
	if cur.Printing() && cur.NearCompletion(fastRemainingCutoff, fastProgressCutoff, fastLayerOffset) {
		return FastInterval
	}
	return BaseInterval
}

// unknownSnapshot carries the previous snapshot's fields forward under
// state unknown so subscribers keep a consistent view during an outage.
func unknownSnapshot(prev *moonraker.PrinterState) *moonraker.PrinterState {
	s := &moonraker.PrinterState{
		State:        moonraker.StateUnknown,
		SnapshotTime: time.Now().UTC(),
	}
	if prev != nil {
		s.Filename = prev.Filename
		s.ProgressPercent = prev.ProgressPercent
		s.CurrentLayer = prev.CurrentLayer
		s.TotalLayers = prev.TotalLayers
		s.Elapsed = prev.Elapsed
		s.Remaining = prev.Remaining
		s.BedTemp = prev.BedTemp
		s.ToolTemp = prev.ToolTemp
		s.SpeedMmSec = prev.SpeedMmSec
		s.SpeedFactor = prev.SpeedFactor
		s.FlowFactor = prev.FlowFactor
		s.FilamentUsedMm = prev.FilamentUsedMm
	}
	return s
}
