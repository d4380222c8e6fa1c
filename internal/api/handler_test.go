package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"printcast/internal/moonraker"
	"printcast/internal/platform/config"
	"printcast/internal/platform/metrics"
	"printcast/internal/stream"
	"printcast/internal/telemetry"
	"printcast/internal/timelapse"
)

type fixedPoller struct {
	state *moonraker.PrinterState
}

func (p *fixedPoller) Latest() *moonraker.PrinterState { return p.state }

func testRouter(t *testing.T) (*chi.Mux, *timelapse.Manager, *stream.Mix) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	met := metrics.New()

	tl := timelapse.NewManager(config.TimelapseConfig{
		MainFolder:             t.TempDir(),
		ResumeWithinSeconds:    300,
		CaptureIntervalSeconds: 10,
	}, log, met)
	mix := stream.NewMix("http://o", "", true, stream.Deps{Log: log, Metrics: met})
	meta := telemetry.NewMetaCache(nullProvider{})

	h := NewHandler(tl, mix, nil, &fixedPoller{}, meta, log)
	r := chi.NewRouter()
	h.Routes(r)
	return r, tl, mix
}

type nullProvider struct{}

func (nullProvider) GetPrintInfo(ctx context.Context) (*moonraker.PrinterState, error) {
	return nil, nil
}

func (nullProvider) GetFileMetadata(ctx context.Context, filename string) (*moonraker.FileMetadata, error) {
	return nil, nil
}

func (nullProvider) ListFiles(ctx context.Context, path string) ([]moonraker.FileEntry, error) {
	return nil, nil
}

func (nullProvider) DownloadFile(ctx context.Context, filename string) ([]byte, error) {
	return nil, nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	r, _, _ := testRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if decode(t, rec)["status"] != "ok" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMixEnabled_toggle(t *testing.T) {
	r, _, mix := testRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stream/mix-enabled?enabled=false", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["success"] != true || body["enabled"] != false {
		t.Errorf("body = %v", body)
	}
	if mix.Enabled() {
		t.Error("mix still enabled after toggle off")
	}
}

func TestMixEnabled_badQuery(t *testing.T) {
	r, _, _ := testRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stream/mix-enabled?enabled=maybe", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	if decode(t, rec)["success"] != false {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestEndAfterSong_noAudio(t *testing.T) {
	r, _, _ := testRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stream/end-after-song?enabled=true", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 with audio disabled", rec.Code)
	}
}

func TestListTimelapses(t *testing.T) {
	r, tl, _ := testRouter(t)
	s, _ := tl.StartTimelapse("benchy.gcode")
	s.AppendFrame([]byte("x"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/timelapses/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	sessions, ok := body["timelapses"].([]any)
	if !ok || len(sessions) != 1 {
		t.Fatalf("timelapses = %v", body["timelapses"])
	}
	first := sessions[0].(map[string]any)
	if first["name"] != "benchy" || first["active"] != true {
		t.Errorf("session = %v", first)
	}
}

func TestListFrames_unknownSession(t *testing.T) {
	r, _, _ := testRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/timelapses/missing/frames", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDeleteFrame_activeConflict(t *testing.T) {
	r, tl, _ := testRouter(t)
	s, _ := tl.StartTimelapse("benchy.gcode")
	s.AppendFrame([]byte("x"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/timelapses/benchy/frames/frame_000000.jpg", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	body := decode(t, rec)
	if body["success"] != false || body["error"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestOBSOverlay_emptyState(t *testing.T) {
	r, _, _ := testRouter(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/obs-urlsource/overlay", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["state"] != "unknown" {
		t.Errorf("state = %v", body["state"])
	}
	// Missing values are empty strings, never null.
	for _, k := range []string{"nozzle", "progress", "eta", "audioName"} {
		if v, ok := body[k].(string); !ok || v != "" {
			t.Errorf("%s = %v, want empty string", k, body[k])
		}
	}
}

func TestPrinter_latest(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	met := metrics.New()
	tl := timelapse.NewManager(config.TimelapseConfig{MainFolder: t.TempDir()}, log, met)
	mix := stream.NewMix("http://o", "", true, stream.Deps{Log: log, Metrics: met})
	meta := telemetry.NewMetaCache(nullProvider{})
	p := &fixedPoller{state: &moonraker.PrinterState{State: moonraker.StatePrinting, Filename: "benchy.gcode"}}

	h := NewHandler(tl, mix, nil, p, meta, log)
	r := chi.NewRouter()
	h.Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/printer", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["filename"] != "benchy.gcode" || body["state"] != "printing" {
		t.Errorf("body = %v", body)
	}
}
