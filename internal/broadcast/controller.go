package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"printcast/internal/platform/config"
	"printcast/internal/platform/metrics"
)

const (
	// ingestionWait bounds how long TransitionToLive polls for a healthy
	// ingestion before giving up.
	ingestionWait     = 60 * time.Second
	ingestionInterval = 5 * time.Second
)

// Controller drives broadcast lifecycle against a LiveAPI. It remembers the
// broadcast it started so EndBroadcast can tear it down, and consults the
// reuse store before creating new broadcasts.
type Controller struct {
	cfg   config.YouTubeConfig
	api   LiveAPI
	store *ReuseStore
	log   *slog.Logger
	mx    *metrics.Metrics

	mu      sync.Mutex
	current *Broadcast
	ended   map[string]bool
}

func NewController(cfg config.YouTubeConfig, api LiveAPI, store *ReuseStore, log *slog.Logger, mx *metrics.Metrics) *Controller {
	return &Controller{
		cfg:   cfg,
		api:   api,
		store: store,
		log:   log.With("component", "broadcast"),
		mx:    mx,
		ended: make(map[string]bool),
	}
}

// Enabled reports whether live broadcasting is configured on.
func (c *Controller) Enabled() bool { return c.cfg.LiveBroadcast.Enabled }

// Current returns the broadcast this controller is managing, or nil.
func (c *Controller) Current() *Broadcast {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// StartBroadcast returns a bound broadcast ready to receive RTMP input. A
// stored broadcast within the reuse TTL and matching the requested privacy
// is rebound; otherwise a new one is created and moved to testing.
func (c *Controller) StartBroadcast(ctx context.Context, title, description, privacy string) (*Broadcast, error) {
	if !c.cfg.LiveBroadcast.Enabled {
		return nil, ErrDisabled
	}

	if b := c.tryReuse(ctx, privacy); b != nil {
		c.mu.Lock()
		c.current = b
		delete(c.ended, b.ID)
		c.mu.Unlock()
		c.mx.IncBroadcastsStarted()
		c.log.Info("reusing existing broadcast", "broadcast_id", b.ID, "privacy", b.Privacy)
		return b, nil
	}

	b, err := c.api.CreateBroadcast(ctx, title, description, privacy)
	if err != nil {
		return nil, err
	}
	c.log.Info("created broadcast", "broadcast_id", b.ID, "privacy", privacy)

	if err := c.api.Transition(ctx, b.ID, "testing"); err != nil {
		// Testing is only reachable once ingestion has data; a refusal here
		// is expected before the encoder connects.
		c.log.Debug("transition to testing deferred", "broadcast_id", b.ID, "error", err)
	}

	if c.cfg.Reuse.Enabled {
		if err := c.store.Save(ReuseRecord{
			BroadcastID: b.ID,
			CreatedAt:   b.CreatedAt,
			Privacy:     privacy,
		}); err != nil {
			c.log.Warn("failed to persist reuse record", "error", err)
		}
	}

	c.mu.Lock()
	c.current = b
	delete(c.ended, b.ID)
	c.mu.Unlock()
	c.mx.IncBroadcastsStarted()
	return b, nil
}

// tryReuse resolves the stored broadcast when it is still within TTL,
// matches the requested privacy, and passes the privacy restriction.
func (c *Controller) tryReuse(ctx context.Context, privacy string) *Broadcast {
	if !c.cfg.Reuse.Enabled {
		return nil
	}
	rec := c.store.Load()
	if rec == nil {
		return nil
	}
	if time.Since(rec.CreatedAt) > c.cfg.Reuse.ReuseTTL() {
		c.store.Clear()
		return nil
	}
	if rec.Privacy != privacy {
		return nil
	}
	if c.cfg.Reuse.OnlyUnlistedOrPrivateForReuse && privacy != "unlisted" && privacy != "private" {
		return nil
	}

	b, err := c.api.GetBroadcast(ctx, rec.BroadcastID)
	if err != nil {
		c.log.Warn("stored broadcast not reusable", "broadcast_id", rec.BroadcastID, "error", err)
		c.store.Clear()
		return nil
	}
	b.CreatedAt = rec.CreatedAt
	return b
}

// TransitionToLive polls ingestion health until it reports good or ok, then
// transitions the broadcast live. Never healthy within the wait window
// yields ErrIngestion.
func (c *Controller) TransitionToLive(ctx context.Context, broadcastID string) error {
	b := c.Current()
	if b == nil || b.ID != broadcastID {
		return fmt.Errorf("%w: unknown broadcast %s", ErrAPI, broadcastID)
	}

	deadline := time.Now().Add(ingestionWait)
	for {
		health, err := c.api.StreamHealth(ctx, b.StreamID)
		if err == nil && (health == "good" || health == "ok") {
			break
		}
		if err != nil {
			c.log.Debug("ingestion health check failed", "broadcast_id", broadcastID, "error", err)
		} else {
			c.log.Debug("waiting for healthy ingestion", "broadcast_id", broadcastID, "health", health)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: not healthy within %s", ErrIngestion, ingestionWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ingestionInterval):
		}
	}

	if err := c.api.Transition(ctx, broadcastID, "live"); err != nil {
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrQuota) {
			return err
		}
		return fmt.Errorf("%w: go live: %v", ErrIngestion, err)
	}
	c.log.Info("broadcast is live", "broadcast_id", broadcastID)
	return nil
}

// EndBroadcast transitions the broadcast to complete. Ending an already
// ended broadcast is a no-op.
func (c *Controller) EndBroadcast(ctx context.Context, broadcastID string) error {
	c.mu.Lock()
	if c.ended[broadcastID] {
		c.mu.Unlock()
		return nil
	}
	c.ended[broadcastID] = true
	if c.current != nil && c.current.ID == broadcastID {
		c.current = nil
	}
	c.mu.Unlock()

	if err := c.api.Transition(ctx, broadcastID, "complete"); err != nil {
		// Already-complete broadcasts refuse the transition; treat that as
		// success for idempotence.
		c.log.Debug("end transition refused", "broadcast_id", broadcastID, "error", err)
	}
	c.store.Clear()
	c.mx.IncBroadcastsEnded()
	c.log.Info("broadcast ended", "broadcast_id", broadcastID)
	return nil
}
