package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stormaudio-controller/internal/api"
	"github.com/thatsimonsguy/stormaudio-controller/internal/config"
	"github.com/thatsimonsguy/stormaudio-controller/internal/datadog"
	"github.com/thatsimonsguy/stormaudio-controller/internal/logging"
	"github.com/thatsimonsguy/stormaudio-controller/internal/notifications"
	"github.com/thatsimonsguy/stormaudio-controller/internal/poller"
	"github.com/thatsimonsguy/stormaudio-controller/internal/session"
	"github.com/thatsimonsguy/stormaudio-controller/internal/transport"
	"github.com/thatsimonsguy/stormaudio-controller/system/shutdown"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("Starting StormAudio controller")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := datadog.New(cfg.Datadog)
	notifier := notifications.New(cfg.NtfyTopic)

	conn := transport.New(cfg.Host, cfg.Port, cfg.TransportOptions())
	if err := session.Probe(ctx, conn, cfg.SessionOptions()); err != nil {
		log.Warn().Err(err).Msg("Processor not reachable at start-up, polling will keep trying")
	}

	p := poller.New(session.New(conn, cfg.SessionOptions()), cfg.PollerOptions(), notifier, metrics)
	snap := p.Refresh(ctx)
	log.Info().
		Str("power", string(snap.Power)).
		Str("processor", snap.Processor.String()).
		Int("inputs", len(snap.Inputs)).
		Bool("available", snap.Available).
		Msg("Initial device state")

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := scheduler.AddFunc(every(cfg.PollInterval()), func() { p.Tick(ctx) }); err != nil {
		log.Fatal().Err(err).Msg("Invalid poll schedule")
	}
	if cfg.KeepAliveSeconds > 0 {
		schedule := every(time.Duration(cfg.KeepAliveSeconds) * time.Second)
		if _, err := scheduler.AddFunc(schedule, func() {
			if err := p.KeepAlive(ctx); err != nil {
				log.Warn().Err(err).Msg("Keepalive failed")
			}
		}); err != nil {
			log.Fatal().Err(err).Msg("Invalid keepalive schedule")
		}
	}
	scheduler.Start()

	server := api.NewServer(p)
	hooks := []shutdown.Hook{
		{Name: "http", Fn: func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		}},
		{Name: "scheduler", Fn: func() error {
			<-scheduler.Stop().Done()
			return nil
		}},
		{Name: "poller", Fn: func() error {
			p.Shutdown()
			return nil
		}},
		{Name: "metrics", Fn: metrics.Close},
	}

	go func() {
		if err := server.Start(cfg.HTTPListen); err != nil {
			shutdown.ShutdownWithError(err, "HTTP server failed", hooks...)
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Signal received, shutting down")
	shutdown.Shutdown(hooks...)
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}
