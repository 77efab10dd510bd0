package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v4"

	"github.com/marzops/rotator/internal/config"
	"github.com/marzops/rotator/internal/database"
	"github.com/marzops/rotator/internal/handler"
	"github.com/marzops/rotator/internal/jobs"
	"github.com/marzops/rotator/internal/middleware"
	"github.com/marzops/rotator/internal/redis"
	"github.com/marzops/rotator/internal/repository"
	"github.com/marzops/rotator/internal/service"
	"github.com/marzops/rotator/internal/util"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	cancel()
	log.Info().Msg("database connected")

	var tokens service.TokenCache = service.NewMemoryTokenCache()
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		tokens = service.NewRedisTokenCache(redisClient.Client)
		log.Info().Msg("redis connected, panel tokens are shared")
	}

	accountRepo := repository.NewAccountRepository(db.DB)
	panelRepo := repository.NewPanelRepository(db.DB)

	controlPlane := service.NewControlPlaneClient(service.ControlPlaneConfig{
		Timeout:       cfg.ControlPlaneTimeout(),
		TokenTTL:      cfg.TokenCacheTTL(),
		EncryptionKey: cfg.EncryptionKey,
	}, tokens)

	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.TelegramBotToken,
		Poller: &tele.LongPoller{Timeout: cfg.TelegramPollTimeout()},
		Client: &http.Client{Timeout: config.TelegramSendTimeout + cfg.TelegramPollTimeout()},
	})
	if err != nil {
		log.Fatal().Err(err).Str("token", util.MaskSecret(cfg.TelegramBotToken)).Msg("failed to create telegram bot")
	}
	log.Info().Str("bot", bot.Me.Username).Msg("telegram bot ready")

	notifier := service.NewTelegramNotifier(bot, float64(cfg.NotifyRatePerSec))

	rotationJob := jobs.NewRotationJob(accountRepo, panelRepo, controlPlane, notifier, jobs.RotationJobConfig{
		Interval:            cfg.PollInterval(),
		Fanout:              cfg.RotationFanout,
		EscalationThreshold: cfg.TransientEscalationThreshold,
		ShutdownTimeout:     config.JobShutdownTimeout,
		Location:            cfg.Location(),
	})

	accountService := service.NewAccountService(db, accountRepo, panelRepo, cfg.EncryptionKey)
	adminHandler := handler.NewAdminHandler(accountService, rotationJob)
	commands := handler.NewTelegramCommands(accountService, rotationJob, controlPlane, notifier, cfg.TelegramAdminIDs, cfg.Location())
	commands.Register(bot)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(middleware.BodyLimit(middleware.DefaultMaxBodySize))
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", handler.Health(db))

	if cfg.AdminAPIToken != "" {
		authMiddleware := middleware.NewAdminAuthMiddleware(cfg.AdminAPIToken, middleware.NewAuthFailureLimiter())
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Handler)
			r.Mount("/", adminHandler.Routes())
		})
	}

	rotationJob.Start()

	go func() {
		log.Info().Msg("telegram polling started")
		bot.Start()
	}()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	bot.Stop()
	rotationJob.Stop()

	log.Info().Msg("stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
