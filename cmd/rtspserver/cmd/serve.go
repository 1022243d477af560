package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nofearsk/rtspserver/internal/auth"
	"github.com/nofearsk/rtspserver/internal/config"
	"github.com/nofearsk/rtspserver/internal/database"
	"github.com/nofearsk/rtspserver/internal/ffmpeg"
	internalhttp "github.com/nofearsk/rtspserver/internal/http"
	"github.com/nofearsk/rtspserver/internal/http/handlers"
	"github.com/nofearsk/rtspserver/internal/observability"
	"github.com/nofearsk/rtspserver/internal/repository"
	"github.com/nofearsk/rtspserver/internal/scheduler"
	"github.com/nofearsk/rtspserver/internal/supervisor"
	"github.com/nofearsk/rtspserver/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rtspserver gateway",
	Long: `Start the rtspserver HTTP server and API.

The server provides:
- REST API for managing RTSP feeds and runtime settings
- Token-protected HLS playback endpoints
- Health check endpoints
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "host to bind to")
	serveCmd.Flags().Int("port", 8000, "port to listen on")
	serveCmd.Flags().String("database", "rtspserver.db", "catalog database DSN")
	serveCmd.Flags().String("streams-dir", "./streams", "directory for HLS segment output")
}

// applyServeFlags overrides loaded config values with CLI flags the user
// explicitly set, keeping the flag > env > config > default priority.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("database") {
		cfg.Database.DSN, _ = cmd.Flags().GetString("database")
	}
	if cmd.Flags().Changed("streams-dir") {
		cfg.Streams.Dir, _ = cmd.Flags().GetString("streams-dir")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd, cfg)

	logger := slog.Default()

	if cfg.Tokens.SecretKey == config.DefaultSecretKey {
		logger.Warn("tokens.secret_key is the built-in default, playback tokens are forgeable")
	}

	// Catalog database
	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	feedRepo := repository.NewFeedRepository(db.DB)
	settingRepo := repository.NewSettingRepository(db.DB)

	// Transcoder toolchain. A missing ffmpeg is not fatal at boot: the API
	// stays usable and feeds report the error when asked to start.
	ffmpegPath := cfg.FFmpeg.BinaryPath
	ffprobePath := cfg.FFmpeg.ProbePath
	detector := ffmpeg.NewBinaryDetector().WithConfiguredPaths(ffmpegPath, ffprobePath)
	if info, err := detector.Detect(context.Background()); err != nil {
		logger.Warn("ffmpeg detection failed, feeds cannot start until it is installed",
			slog.Any("error", err))
	} else {
		ffmpegPath = info.FFmpegPath
		if info.FFprobePath != "" {
			ffprobePath = info.FFprobePath
		}
		logger.Info("detected ffmpeg",
			slog.String("path", info.FFmpegPath),
			slog.String("version", info.Version))
	}

	prober := ffmpeg.NewProber(ffprobePath)
	planner := ffmpeg.NewPlanner(ffmpegPath).
		WithLogger(observability.WithComponent(logger, "planner"))
	thumbnailer := ffmpeg.NewThumbnailer(ffmpegPath).
		WithLogger(observability.WithComponent(logger, "thumbnailer"))

	sup := supervisor.New(cfg, feedRepo, settingRepo, prober, planner).
		WithLogger(observability.WithComponent(logger, "supervisor")).
		WithThumbnailer(thumbnailer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}

	sched := scheduler.New(scheduler.Maintenance(cfg, sup)...).
		WithLogger(observability.WithComponent(logger, "scheduler"))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	// HTTP server
	serverConfig := internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	// Register OpenAPI docs handler
	docsHandler := handlers.NewDocsHandler("rtspserver API", "/openapi.yaml")
	server.Router().Get("/docs", docsHandler.ServeHTTP)

	minter := auth.NewMinter(cfg.Tokens.SecretKey, cfg.Tokens.TokenExpiry())

	// Register handlers
	feedHandler := handlers.NewFeedHandler(feedRepo, sup, minter, cfg).
		WithProber(prober).
		WithLogger(logger)
	feedHandler.Register(server.API())

	settingsHandler := handlers.NewSettingsHandler(settingRepo, cfg)
	settingsHandler.Register(server.API())

	healthHandler := handlers.NewHealthHandler(version.Version).
		WithDB(db.DB).
		WithSupervisor(sup)
	healthHandler.Register(server.API())

	// HLS delivery registers its documented operations first, then the raw
	// Chi routes that actually serve the files. Chi keeps the last handler
	// registered for a pattern, so the raw routes must come second.
	hlsHandler := handlers.NewHLSHandler(feedRepo, sup, minter, cfg).WithLogger(logger)
	hlsHandler.Register(server.API())
	hlsHandler.RegisterChiRoutes(server.Router())

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting rtspserver",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("streams_dir", cfg.Streams.Dir),
		slog.String("version", version.Version),
	)

	serveErr := server.ListenAndServe(ctx)

	// HTTP has drained; stop background work, then the feed processes.
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Error("supervisor shutdown failed", slog.Any("error", err))
	}

	logger.Info("rtspserver stopped")
	return serveErr
}
