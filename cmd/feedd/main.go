// Command feedd runs the market-data feed daemon: it holds the vendor
// WebSocket connections, mirrors ticks into redis and advances order
// plans as prices cross their triggers.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbyte/smartfeed/config"
	"github.com/quantbyte/smartfeed/feed"
	"github.com/quantbyte/smartfeed/metrics"
	"github.com/quantbyte/smartfeed/orderplan"
	"github.com/quantbyte/smartfeed/session"
	"github.com/quantbyte/smartfeed/store"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("load config")
	}

	log := newLogger(cfg.Log)
	log.Info().Str("feed", cfg.Feed.URL).Str("redis", cfg.Redis.Addr).Msg("feedd starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	redis, err := store.NewRedis(connectCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer redis.Close()

	provider := session.NewCachingProvider(session.Static{Creds: session.Credentials{
		JWT:        cfg.Feed.JWT,
		FeedToken:  cfg.Feed.FeedToken,
		APIKey:     cfg.Feed.APIKey,
		ClientCode: cfg.Feed.ClientCode,
	}}, time.Minute)

	evaluator := orderplan.NewEvaluator(redis, redis, log)
	manager := feed.NewManager(feed.Config{
		URL:       cfg.Feed.URL,
		Provider:  provider,
		Plans:     redis,
		Snapshots: redis,
		Publisher: redis,
		Evaluator: evaluator,
		Tuning: feed.Tuning{
			ConnectTimeout:      cfg.Feed.ConnectTimeout.Std(),
			DataRequestInterval: cfg.Feed.DataRequestInterval.Std(),
			HealthInterval:      cfg.Feed.HealthInterval.Std(),
			FrameStale:          cfg.Feed.FrameStale.Std(),
			PongStale:           cfg.Feed.PongStale.Std(),
			ReconnectDelay:      cfg.Feed.ReconnectDelay.Std(),
			ReconnectGrowth:     cfg.Feed.ReconnectGrowth,
			MaxReconnects:       cfg.Feed.MaxReconnects,
		},
		Logger: log,
	})
	control := feed.NewControlPlane(redis, manager, log)

	metricsSrv := metrics.NewServer(cfg.Metrics.Addr)
	go func() {
		if err := metricsSrv.Start(); err != nil {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
	defer metricsSrv.Stop()

	go func() {
		if err := control.Run(ctx); err != nil {
			log.Error().Err(err).Msg("control plane stopped")
			stop()
		}
	}()

	if err := manager.Run(ctx); err != nil {
		log.Error().Err(err).Msg("feed manager stopped")
		os.Exit(1)
	}
	log.Info().Msg("feedd shut down")
}

func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
