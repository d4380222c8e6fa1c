// Package api exposes the control plane: time-lapse management, stream
// toggles, the OBS overlay endpoint, and printer status.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"printcast/internal/moonraker"
	"printcast/internal/stream"
	"printcast/internal/telemetry"
	"printcast/internal/timelapse"
)

// snapshotter yields the poller's latest printer state without blocking.
type snapshotter interface {
	Latest() *moonraker.PrinterState
}

// nowPlaying yields the audio station's current track name.
type nowPlaying interface {
	NowPlaying() string
	SetEndAfterCurrent(bool)
}

// Handler wires control-plane routes onto their backing components.
type Handler struct {
	timelapses *timelapse.Manager
	mix        *stream.Mix
	audio      nowPlaying
	poller     snapshotter
	meta       *telemetry.MetaCache
	log        *slog.Logger
}

func NewHandler(tl *timelapse.Manager, mix *stream.Mix, audio *stream.Station, p snapshotter, meta *telemetry.MetaCache, log *slog.Logger) *Handler {
	h := &Handler{
		timelapses: tl,
		mix:        mix,
		poller:     p,
		meta:       meta,
		log:        log.With("component", "api"),
	}
	if audio != nil {
		h.audio = audio
	}
	return h
}

// Routes mounts the handler's endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/stream/obs-urlsource/overlay", h.OBSOverlay)
	r.Route("/api", func(r chi.Router) {
		r.Get("/printer", h.Printer)
		r.Post("/stream/mix-enabled", h.MixEnabled)
		r.Post("/stream/end-after-song", h.EndAfterSong)
		r.Route("/timelapses", func(r chi.Router) {
			r.Get("/", h.ListTimelapses)
			r.Get("/{name}/frames", h.ListFrames)
			r.Delete("/{name}/frames/{filename}", h.DeleteFrame)
			r.Post("/{name}/generate", h.Generate)
		})
	})
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Printer returns the latest polled printer state.
func (h *Handler) Printer(w http.ResponseWriter, r *http.Request) {
	st := h.poller.Latest()
	if st == nil {
		st = &moonraker.PrinterState{State: moonraker.StateUnknown}
	}
	writeJSON(w, http.StatusOK, st)
}

// OBSOverlay serves the pre-formatted telemetry fields consumed by an OBS
// browser source. Every field is a string; absent values are empty strings.
func (h *Handler) OBSOverlay(w http.ResponseWriter, r *http.Request) {
	st := h.poller.Latest()

	var meta *moonraker.FileMetadata
	if st != nil && st.Filename != "" {
		ctx, cancel := context.WithTimeout(r.Context(), moonraker.FetchTimeout)
		defer cancel()
		meta = h.meta.Get(ctx, st.Filename)
	}

	audioName := ""
	if h.audio != nil {
		audioName = h.audio.NowPlaying()
	}

	fields := telemetry.RenderOBS(st, meta, audioName)
	writeJSON(w, http.StatusOK, fields)
}

// MixEnabled toggles the mix stage. Disabling while a broadcast is live
// ends the broadcast through the orchestrator's hook.
func (h *Handler) MixEnabled(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "enabled must be true or false",
		})
		return
	}
	h.mix.SetEnabled(enabled)
	h.log.Info("mix stage toggled", "enabled", enabled)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": enabled})
}

// EndAfterSong arms or clears the audio station's end-of-track stop.
func (h *Handler) EndAfterSong(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "enabled must be true or false",
		})
		return
	}
	if h.audio == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"error":   "audio is disabled",
		})
		return
	}
	h.audio.SetEndAfterCurrent(enabled)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": enabled})
}

// ListTimelapses enumerates session directories.
func (h *Handler) ListTimelapses(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.timelapses.ListSessions()
	if err != nil {
		h.log.Error("failed to list sessions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "failed to list timelapse sessions",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "timelapses": sessions})
}

// ListFrames enumerates the frames of one session.
func (h *Handler) ListFrames(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	frames, err := h.timelapses.ListFrames(name)
	if err != nil {
		if errors.Is(err, timelapse.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"success": false,
				"error":   "unknown session",
			})
			return
		}
		h.log.Error("failed to list frames", "session", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "failed to list frames",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "frames": frames})
}

// DeleteFrame removes one frame from an inactive session. Deleting from the
// active session is refused with 409.
func (h *Handler) DeleteFrame(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	filename := chi.URLParam(r, "filename")

	err := h.timelapses.DeleteFrame(name, filename)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case errors.Is(err, timelapse.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"error":   "session is active",
		})
	case errors.Is(err, timelapse.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   "unknown session or frame",
		})
	default:
		h.log.Error("failed to delete frame", "session", name, "frame", filename, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "failed to delete frame",
		})
	}
}

// Generate assembles a session's frames into its MP4.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	video, err := h.timelapses.Generate(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "video": video})
	case errors.Is(err, timelapse.ErrNoFrames):
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "video": nil})
	case errors.Is(err, timelapse.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   "unknown session",
		})
	default:
		h.log.Error("failed to assemble timelapse", "session", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "failed to assemble timelapse",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
