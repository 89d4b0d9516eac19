package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/pwsafe/internal/actor"
	"github.com/org/pwsafe/internal/api"
	"github.com/org/pwsafe/internal/audit"
	"github.com/org/pwsafe/internal/auth"
	"github.com/org/pwsafe/internal/capability"
	"github.com/org/pwsafe/internal/config"
	"github.com/org/pwsafe/internal/core"
	"github.com/org/pwsafe/internal/hierarchy"
	"github.com/org/pwsafe/internal/notify"
	"github.com/org/pwsafe/internal/policy"
	"github.com/org/pwsafe/internal/rar"
	"github.com/org/pwsafe/internal/secret"
	"github.com/org/pwsafe/internal/storage"
	"github.com/org/pwsafe/internal/sweep"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("PWSAFE_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, err := config.LoadServer(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	sweepEvery, err := time.ParseDuration(cfg.SweepInterval)
	if err != nil || sweepEvery <= 0 {
		log.Fatal().Str("sweep_interval", cfg.SweepInterval).Msg("invalid sweep interval")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer db.Close()

	var sink notify.Sink = notify.LogSink{}
	if cfg.SMTP.Addr != "" {
		sink = &notify.SMTPSink{
			Addr:     cfg.SMTP.Addr,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}
	}
	dispatcher := notify.NewDispatcher(sink, 256)
	defer dispatcher.Close()

	clock := quartz.NewReal()
	settings := config.NewStore(db, nil)
	auditLog := audit.NewLogger(db, clock, dispatcher, settings)
	actors := actor.NewService(db, clock, auditLog, actor.Options{
		AdminGroup:    cfg.AdminGroup,
		SubAdminGroup: cfg.SubAdminGroup,
		KDF:           cfg.KDF,
	})
	caps := capability.NewStore(actors, settings, clock)
	items := secret.NewStore(db, actors, caps, auditLog, clock)
	requests := rar.NewService(db, actors, caps, auditLog, settings, clock)

	seal := core.NewSealManager(db, clock)
	if err := seal.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to read init state")
	}
	if !seal.Initialized() {
		log.Info().Msg("server not yet initialized - POST /v1/sys/init to initialize")
	} else {
		log.Info().Int("threshold", seal.Threshold()).Msg("server initialized - POST /v1/sys/unseal with key shares to unseal")
	}

	sources := auth.NewRegistry()
	srv := api.NewServer(api.Services{
		Clock:    clock,
		DB:       db,
		Seal:     seal,
		Config:   settings,
		Audit:    auditLog,
		Actors:   actors,
		Items:    items,
		Tree:     hierarchy.NewService(db, actors, caps, items, auditLog, settings, clock),
		Requests: requests,
		Policies: policy.NewEngine(db, actors, auditLog),
		Logins:   auth.NewService(db, sources, auth.NewTokenService(seal, actors, settings, clock), auditLog, settings),
	}, api.Config{
		ListenAddr:  cfg.ListenAddr,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
	})

	sweeper := sweep.New(items, requests, auditLog, settings, clock)
	sweeper.Run(ctx, sweepEvery)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func openStorage(ctx context.Context, cfg *config.Server) (storage.Backend, error) {
	if cfg.Storage == "memory" {
		log.Warn().Msg("using in-memory storage; all data is lost on exit")
		return storage.NewMemoryBackend(), nil
	}
	if err := storage.RunMigrations(cfg.DBUrl); err != nil {
		return nil, err
	}
	log.Info().Msg("migrations applied")
	return storage.NewPostgresBackend(ctx, cfg.DBUrl)
}
