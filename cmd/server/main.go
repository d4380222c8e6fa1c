package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"printcast/internal/api"
	"printcast/internal/broadcast"
	"printcast/internal/moonraker"
	"printcast/internal/orchestrator"
	"printcast/internal/platform/config"
	"printcast/internal/platform/logger"
	"printcast/internal/platform/metrics"
	"printcast/internal/poller"
	"printcast/internal/stream"
	"printcast/internal/telemetry"
	"printcast/internal/timelapse"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "json").Error("configuration error", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	met := metrics.New()
	base := cfg.Server.LocalBase()

	printer := moonraker.NewClient(cfg.Moonraker, log)
	poll := poller.New(printer, log, met)

	source := stream.NewSource(cfg.Stream.Source, cfg.Stream.Snapshot, log, met)
	deps := stream.Deps{Log: log, Metrics: met}

	var station *stream.Station
	audioURL := ""
	if cfg.Audio.Enabled {
		station = stream.NewStation(cfg.Audio, deps)
		audioURL = base + "/stream/audio"
	}

	overlay := stream.NewOverlay(cfg.Overlay, base+"/stream/source", deps)
	mix := stream.NewMix(base+"/stream/overlay", audioURL, cfg.Stream.Mix.Enabled, deps)
	rtmp := stream.NewBroadcaster(base+"/stream/mix", deps)

	timelapses := timelapse.NewManager(cfg.Timelapse, log, met)
	capture := timelapse.NewCaptureLoop(timelapses, overlay, source, cfg.Timelapse, log, met)

	reuse := broadcast.NewReuseStore(cfg.YouTube.Reuse.StorePath)
	youtube := broadcast.NewYouTubeClient(cfg.YouTube.AccessToken)
	broadcasts := broadcast.NewController(cfg.YouTube, youtube, reuse, log, met)

	orch := orchestrator.New(*cfg, timelapses, broadcasts, mix, rtmp, log)
	poll.Subscribe(orch.HandleStateChange)

	formatter := telemetry.NewFormatter(poll, cfg.Overlay, log)
	meta := telemetry.NewMetaCache(printer)

	sup := suture.New("printcast", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logger.Component(log, "supervisor")}).MustHook(),
	})
	sup.Add(poll)
	sup.Add(formatter)
	sup.Add(capture)
	if station != nil {
		sup.Add(station)
	}

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			if timelapses.ActiveSessionName() != "" {
				met.SetActiveSessions(1)
			} else {
				met.SetActiveSessions(0)
			}
		}).ServeHTTP(w, req)
	})

	r.Route("/stream", func(r chi.Router) {
		r.Get("/source", source.ServeStream)
		r.Get("/source/capture", source.ServeCapture)
		r.Get("/overlay", overlay.ServeStream)
		r.Get("/overlay/capture", overlay.ServeCapture)
		r.Get("/mix", mix.ServeStream)
		r.Get("/mix/capture", mix.ServeCapture(base+"/stream/mix"))
		if station != nil {
			r.Get("/audio", station.ServeStream)
		}
	})
	r.Get("/fallback_black.jpg", source.ServeFallback)

	h := api.NewHandler(timelapses, mix, station, poll, meta, log)
	h.Routes(r)

	rootCtx, cancel := context.WithCancel(context.Background())
	supDone := sup.ServeBackground(rootCtx)

	srv := &http.Server{Addr: cfg.Server.Addr(), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"addr", cfg.Server.Addr(),
		"source", cfg.Stream.Source,
		"mix_enabled", cfg.Stream.Mix.Enabled,
		"audio_enabled", cfg.Audio.Enabled,
		"broadcast_enabled", cfg.YouTube.LiveBroadcast.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	orch.Shutdown(ctx)

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	cancel()
	select {
	case <-supDone:
	case <-ctx.Done():
	}

	log.Info("server stopped")
}
