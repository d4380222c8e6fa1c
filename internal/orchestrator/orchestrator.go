// Package orchestrator reacts to printer state transitions: it opens and
// closes time-lapse sessions, starts and stops the live broadcast, and
// applies the idle and offline grace periods.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"printcast/internal/broadcast"
	"printcast/internal/moonraker"
	"printcast/internal/platform/config"
	"printcast/internal/stream"
	"printcast/internal/timelapse"
)

const (
	// idleGrace delays session teardown after the printer leaves the
	// printing state, absorbing brief idle blips between state reports.
	idleGrace = 20 * time.Second
	// offlineGrace holds the session open while Moonraker is unreachable.
	offlineGrace = 10 * time.Minute
)

// liveController is the broadcast lifecycle surface the orchestrator
// drives. *broadcast.Controller implements it.
type liveController interface {
	Enabled() bool
	StartBroadcast(ctx context.Context, title, description, privacy string) (*broadcast.Broadcast, error)
	TransitionToLive(ctx context.Context, broadcastID string) error
	EndBroadcast(ctx context.Context, broadcastID string) error
}

// publisher pushes the mix output to the RTMP ingest. *stream.Broadcaster
// implements it.
type publisher interface {
	Start(ctx context.Context, rtmpURL string) error
	Stop()
}

// Orchestrator is the print lifecycle state machine. It subscribes to the
// poller and must never block inside HandleStateChange; slow work runs on
// its own goroutines. The mutex guards lifecycle variables only and is
// never held across network or subprocess calls.
type Orchestrator struct {
	cfg        config.Config
	log        *slog.Logger
	timelapses *timelapse.Manager
	broadcasts liveController
	mix        *stream.Mix
	rtmp       publisher

	idleGrace    time.Duration
	offlineGrace time.Duration

	mu               sync.Mutex
	currentFilename  string
	broadcastID      string
	broadcastStarted bool
	broadcastGen     uint64
	idleTimer        *time.Timer
	offlineTimer     *time.Timer
}

func New(cfg config.Config, tl *timelapse.Manager, bc liveController, mix *stream.Mix, rtmp publisher, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:          cfg,
		log:          log.With("component", "orchestrator"),
		timelapses:   tl,
		broadcasts:   bc,
		mix:          mix,
		rtmp:         rtmp,
		idleGrace:    idleGrace,
		offlineGrace: offlineGrace,
	}
	// Disabling the mix stage ends the broadcast rather than letting it
	// continue with a dead input.
	mix.OnDisabled(func() { go o.stopBroadcast("mix disabled") })
	return o
}

// HandleStateChange is the poller subscriber. Dispatch is synchronous on
// the poller's goroutine, so everything heavier than bookkeeping is
// scheduled asynchronously.
func (o *Orchestrator) HandleStateChange(prev, cur *moonraker.PrinterState) {
	if cur == nil {
		return
	}
	switch cur.State {
	case moonraker.StatePrinting:
		o.onPrinting(cur)
	case moonraker.StatePaused:
		o.onPaused()
	case moonraker.StateUnknown:
		o.onOffline()
	default:
		o.onIdle(cur.State)
	}
}

func (o *Orchestrator) onPrinting(cur *moonraker.PrinterState) {
	o.mu.Lock()
	o.cancelTimersLocked()
	filenameChanged := cur.Filename != "" && cur.Filename != o.currentFilename
	previous := o.currentFilename
	if filenameChanged {
		o.currentFilename = cur.Filename
	}
	o.mu.Unlock()

	if filenameChanged {
		go o.beginPrint(previous, cur.Filename)
	}

	o.timelapses.NotifyPrinterState(moonraker.StatePrinting)
	o.timelapses.NotifyPrintProgress(*cur)
}

// beginPrint closes any previous session and opens the new one, then brings
// up the broadcast when configured.
func (o *Orchestrator) beginPrint(previousFilename, filename string) {
	if previousFilename != "" {
		if name := o.timelapses.ActiveSessionName(); name != "" {
			if _, err := o.timelapses.Finalize(context.Background(), name); err != nil && !errors.Is(err, timelapse.ErrNoFrames) {
				o.log.Error("failed to finalize previous session", "session", name, "error", err)
			}
		}
	}

	if _, err := o.timelapses.StartTimelapse(filename); err != nil {
		o.log.Error("failed to start timelapse", "filename", filename, "error", err)
	}

	if o.broadcasts.Enabled() {
		o.startBroadcast()
	} else {
		o.log.Info("live broadcast disabled, serving local stream only", "filename", filename)
	}
}

// startBroadcast obtains a broadcast (reused or created), pushes the mix
// into it, and transitions live. Runs outside the mutex. Each attempt
// carries a generation so a stop that lands mid-flight aborts it instead
// of racing it live.
func (o *Orchestrator) startBroadcast() {
	o.mu.Lock()
	if o.broadcastStarted {
		o.mu.Unlock()
		return
	}
	o.broadcastStarted = true
	o.broadcastGen++
	gen := o.broadcastGen
	o.mu.Unlock()

	fail := func() {
		o.mu.Lock()
		if o.broadcastGen == gen {
			o.broadcastStarted = false
			o.broadcastID = ""
		}
		o.mu.Unlock()
	}
	aborted := func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return !o.broadcastStarted || o.broadcastGen != gen
	}

	if !o.mix.Enabled() {
		o.log.Warn("broadcast not started", "error", config.ErrConfig, "reason", "mix stage disabled")
		fail()
		return
	}

	lb := o.cfg.YouTube.LiveBroadcast
	ctx := context.Background()
	b, err := o.broadcasts.StartBroadcast(ctx, lb.Title, lb.Description, lb.Privacy)
	if err != nil {
		o.log.Error("failed to start broadcast, local stream continues", "error", err)
		fail()
		return
	}

	o.mu.Lock()
	if !o.broadcastStarted || o.broadcastGen != gen {
		o.mu.Unlock()
		o.log.Info("broadcast stopped while starting, aborting", "broadcast_id", b.ID)
		o.broadcasts.EndBroadcast(ctx, b.ID)
		return
	}
	o.broadcastID = b.ID
	o.mu.Unlock()

	rtmpURL := b.RTMPURL + "/" + b.StreamKey
	if err := o.rtmp.Start(ctx, rtmpURL); err != nil {
		o.log.Error("failed to connect RTMP publisher", "broadcast_id", b.ID, "error", err)
		o.broadcasts.EndBroadcast(ctx, b.ID)
		fail()
		return
	}
	if aborted() {
		o.log.Info("broadcast stopped while starting, aborting", "broadcast_id", b.ID)
		o.rtmp.Stop()
		o.broadcasts.EndBroadcast(ctx, b.ID)
		return
	}

	if err := o.broadcasts.TransitionToLive(ctx, b.ID); err != nil {
		o.log.Error("broadcast did not go live, local stream continues", "broadcast_id", b.ID, "error", err)
		o.rtmp.Stop()
		o.broadcasts.EndBroadcast(ctx, b.ID)
		fail()
		return
	}
	if aborted() {
		o.log.Info("broadcast stopped while going live, tearing down", "broadcast_id", b.ID)
		o.rtmp.Stop()
		o.broadcasts.EndBroadcast(ctx, b.ID)
	}
}

// stopBroadcast tears down the RTMP publisher and ends the broadcast, at
// most once per started broadcast.
func (o *Orchestrator) stopBroadcast(reason string) {
	o.mu.Lock()
	id := o.broadcastID
	started := o.broadcastStarted
	o.broadcastID = ""
	o.broadcastStarted = false
	o.mu.Unlock()

	if !started && id == "" {
		return
	}
	o.log.Info("stopping broadcast", "broadcast_id", id, "reason", reason)
	o.rtmp.Stop()
	if id != "" {
		if err := o.broadcasts.EndBroadcast(context.Background(), id); err != nil {
			o.log.Error("failed to end broadcast", "broadcast_id", id, "error", err)
		}
	}
}

func (o *Orchestrator) onPaused() {
	o.mu.Lock()
	o.cancelTimersLocked()
	o.mu.Unlock()
	o.timelapses.NotifyPrinterState(moonraker.StatePaused)
}

// onIdle arms the idle grace timer. Expiry finalizes the session and, when
// configured, ends the broadcast.
func (o *Orchestrator) onIdle(state moonraker.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.offlineTimer != nil {
		o.offlineTimer.Stop()
		o.offlineTimer = nil
	}
	if o.currentFilename == "" || o.idleTimer != nil {
		return
	}
	o.log.Info("printer left printing state, starting idle grace", "state", state, "grace", o.idleGrace)
	o.idleTimer = time.AfterFunc(o.idleGrace, o.idleExpired)
}

func (o *Orchestrator) idleExpired() {
	o.mu.Lock()
	o.idleTimer = nil
	filename := o.currentFilename
	o.currentFilename = ""
	o.mu.Unlock()

	if filename == "" {
		return
	}
	o.log.Info("idle grace expired, closing session", "filename", filename)

	if name := o.timelapses.ActiveSessionName(); name != "" {
		if _, err := o.timelapses.Finalize(context.Background(), name); err != nil && !errors.Is(err, timelapse.ErrNoFrames) {
			o.log.Error("failed to finalize session", "session", name, "error", err)
		}
	}
	if o.cfg.YouTube.LiveBroadcast.EndStreamAfterPrint {
		o.stopBroadcast("print finished")
	}
}

// onOffline arms the offline grace timer while keeping the session open so
// a recovered connection resumes seamlessly.
func (o *Orchestrator) onOffline() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.currentFilename == "" || o.offlineTimer != nil {
		return
	}
	o.log.Warn("printer unreachable, holding session during offline grace", "grace", o.offlineGrace)
	o.offlineTimer = time.AfterFunc(o.offlineGrace, o.offlineExpired)
}

func (o *Orchestrator) offlineExpired() {
	o.mu.Lock()
	o.offlineTimer = nil
	filename := o.currentFilename
	o.currentFilename = ""
	o.mu.Unlock()

	if filename == "" {
		return
	}
	o.log.Warn("offline grace expired, closing session", "filename", filename)

	if name := o.timelapses.ActiveSessionName(); name != "" {
		if _, err := o.timelapses.Finalize(context.Background(), name); err != nil && !errors.Is(err, timelapse.ErrNoFrames) {
			o.log.Error("failed to finalize session", "session", name, "error", err)
		}
	}
	o.stopBroadcast("printer offline")
}

// cancelTimersLocked stops pending grace timers. Callers hold o.mu.
func (o *Orchestrator) cancelTimersLocked() {
	if o.idleTimer != nil {
		o.idleTimer.Stop()
		o.idleTimer = nil
	}
	if o.offlineTimer != nil {
		o.offlineTimer.Stop()
		o.offlineTimer = nil
	}
}

// Shutdown finalizes any open session and ends the broadcast.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	o.cancelTimersLocked()
	o.currentFilename = ""
	o.mu.Unlock()

	if name := o.timelapses.ActiveSessionName(); name != "" {
		if _, err := o.timelapses.Finalize(ctx, name); err != nil && !errors.Is(err, timelapse.ErrNoFrames) {
			o.log.Error("failed to finalize session on shutdown", "session", name, "error", err)
		}
	}
	o.stopBroadcast("shutdown")
}
