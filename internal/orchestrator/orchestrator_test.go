package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"printcast/internal/broadcast"
	"printcast/internal/moonraker"
	"printcast/internal/platform/config"
	"printcast/internal/platform/metrics"
	"printcast/internal/stream"
	"printcast/internal/timelapse"
)

type fakeLive struct {
	gate chan struct{} // non-nil blocks StartBroadcast until closed

	mu     sync.Mutex
	starts int
	lives  []string
	ends   []string

	wentLive chan string
	ended    chan string
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		wentLive: make(chan string, 4),
		ended:    make(chan string, 4),
	}
}

func (f *fakeLive) Enabled() bool { return true }

func (f *fakeLive) StartBroadcast(ctx context.Context, title, description, privacy string) (*broadcast.Broadcast, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.starts++
	n := f.starts
	f.mu.Unlock()
	return &broadcast.Broadcast{
		ID:        fmt.Sprintf("bc-%d", n),
		StreamID:  "stream-1",
		RTMPURL:   "rtmp://ingest.test/live",
		StreamKey: "key",
	}, nil
}

func (f *fakeLive) TransitionToLive(ctx context.Context, id string) error {
	f.mu.Lock()
	f.lives = append(f.lives, id)
	f.mu.Unlock()
	f.wentLive <- id
	return nil
}

// EndBroadcast is idempotent per broadcast, like the real controller.
func (f *fakeLive) EndBroadcast(ctx context.Context, id string) error {
	f.mu.Lock()
	for _, e := range f.ends {
		if e == id {
			f.mu.Unlock()
			return nil
		}
	}
	f.ends = append(f.ends, id)
	f.mu.Unlock()
	f.ended <- id
	return nil
}

func (f *fakeLive) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ends)
}

func (f *fakeLive) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeLive) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lives)
}

type fakePub struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (p *fakePub) Start(ctx context.Context, rtmpURL string) error {
	p.mu.Lock()
	p.starts++
	p.mu.Unlock()
	return nil
}

func (p *fakePub) Stop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

func (p *fakePub) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOrch(t *testing.T) (*Orchestrator, *fakeLive, *fakePub, *stream.Mix) {
	t.Helper()
	cfg := config.Config{}
	cfg.YouTube.LiveBroadcast = config.LiveBroadcastConfig{
		Enabled:             true,
		EndStreamAfterPrint: true,
		Title:               "print stream",
		Privacy:             "unlisted",
	}
	cfg.Timelapse = config.TimelapseConfig{
		MainFolder:             t.TempDir(),
		ResumeWithinSeconds:    300,
		CaptureIntervalSeconds: 10,
	}
	log := testLog()
	tl := timelapse.NewManager(cfg.Timelapse, log, metrics.New())
	mix := stream.NewMix("http://o", "", true, stream.Deps{Log: log, Metrics: metrics.New()})
	live := newFakeLive()
	pub := &fakePub{}
	o := New(cfg, tl, live, mix, pub, log)
	o.idleGrace = 50 * time.Millisecond
	o.offlineGrace = 200 * time.Millisecond
	return o, live, pub, mix
}

func printing(filename string) *moonraker.PrinterState {
	return &moonraker.PrinterState{State: moonraker.StatePrinting, Filename: filename}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitLive(t *testing.T, live *fakeLive) string {
	t.Helper()
	select {
	case id := <-live.wentLive:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never went live")
		return ""
	}
}

func TestPrintStart_opensSessionAndGoesLive(t *testing.T) {
	o, live, pub, _ := testOrch(t)

	o.HandleStateChange(nil, printing("benchy.gcode"))

	id := waitLive(t, live)
	if id != "bc-1" {
		t.Errorf("went live with %q, want bc-1", id)
	}
	waitFor(t, func() bool { return o.timelapses.ActiveSessionName() == "benchy" },
		"timelapse session not opened")
	if pub.startCount() != 1 {
		t.Errorf("publisher started %d times, want 1", pub.startCount())
	}
}

func TestIdleGrace_finalizesAndEndsBroadcast(t *testing.T) {
	o, live, _, _ := testOrch(t)
	o.HandleStateChange(nil, printing("benchy.gcode"))
	waitLive(t, live)

	o.HandleStateChange(nil, &moonraker.PrinterState{State: moonraker.StateComplete})

	select {
	case id := <-live.ended:
		if id != "bc-1" {
			t.Errorf("ended %q, want bc-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not ended after idle grace")
	}
	waitFor(t, func() bool { return o.timelapses.ActiveSessionName() == "" },
		"session not closed after idle grace")
}

func TestIdleGrace_cancelledByResumedPrinting(t *testing.T) {
	o, live, _, _ := testOrch(t)
	o.HandleStateChange(nil, printing("benchy.gcode"))
	waitLive(t, live)

	// A brief idle blip followed by more printing must not tear anything
	// down.
	o.HandleStateChange(nil, &moonraker.PrinterState{State: moonraker.StateIdle})
	o.HandleStateChange(nil, printing("benchy.gcode"))

	time.Sleep(150 * time.Millisecond)
	if o.timelapses.ActiveSessionName() != "benchy" {
		t.Error("session closed despite resumed printing")
	}
	if live.endCount() != 0 {
		t.Errorf("broadcast ended %d times, want 0", live.endCount())
	}
}

func TestOfflineGrace_holdsSessionThenCloses(t *testing.T) {
	o, live, _, _ := testOrch(t)
	o.HandleStateChange(nil, printing("benchy.gcode"))
	waitLive(t, live)

	o.HandleStateChange(nil, &moonraker.PrinterState{State: moonraker.StateUnknown})

	// Still within the offline grace: everything stays up.
	time.Sleep(100 * time.Millisecond)
	if o.timelapses.ActiveSessionName() != "benchy" {
		t.Error("session closed before offline grace expired")
	}
	if live.endCount() != 0 {
		t.Error("broadcast ended before offline grace expired")
	}

	select {
	case <-live.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not ended after offline grace")
	}
	waitFor(t, func() bool { return o.timelapses.ActiveSessionName() == "" },
		"session not closed after offline grace")
}

func TestMixDisable_endsBroadcastOnce(t *testing.T) {
	o, live, _, mix := testOrch(t)
	o.HandleStateChange(nil, printing("benchy.gcode"))
	waitLive(t, live)

	mix.SetEnabled(false)

	select {
	case id := <-live.ended:
		if id != "bc-1" {
			t.Errorf("ended %q, want bc-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not ended after mix disable")
	}

	mix.SetEnabled(false)
	time.Sleep(100 * time.Millisecond)
	if n := live.endCount(); n != 1 {
		t.Errorf("broadcast ended %d times, want exactly 1", n)
	}
	if n := live.startCount(); n != 1 {
		t.Errorf("broadcast restarted: %d starts", n)
	}
}

func TestMixDisabled_refusesBroadcastStart(t *testing.T) {
	o, live, pub, mix := testOrch(t)
	mix.SetEnabled(false)

	o.HandleStateChange(nil, printing("benchy.gcode"))

	waitFor(t, func() bool { return o.timelapses.ActiveSessionName() == "benchy" },
		"timelapse session not opened")
	time.Sleep(100 * time.Millisecond)
	if live.startCount() != 0 || pub.startCount() != 0 {
		t.Errorf("broadcast brought up with mix disabled: %d starts, %d publishes", live.startCount(), pub.startCount())
	}
}

func TestStopDuringStart_abortsInFlightBroadcast(t *testing.T) {
	o, live, pub, _ := testOrch(t)
	live.gate = make(chan struct{})

	o.HandleStateChange(nil, printing("benchy.gcode"))

	// Hold the API call while a stop lands, then let it finish.
	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.broadcastStarted
	}, "broadcast start never claimed")
	o.stopBroadcast("test intervention")
	close(live.gate)

	select {
	case id := <-live.ended:
		if id != "bc-1" {
			t.Errorf("ended %q, want bc-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("aborted broadcast never ended")
	}
	time.Sleep(100 * time.Millisecond)
	if pub.startCount() != 0 {
		t.Errorf("publisher connected %d times after stop, want 0", pub.startCount())
	}
	if live.liveCount() != 0 {
		t.Errorf("broadcast went live after stop")
	}
}
