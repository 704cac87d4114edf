package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	audioimpl "github.com/foxseedlab/livecaption/external/audio"
	configloader "github.com/foxseedlab/livecaption/external/config"
	"github.com/foxseedlab/livecaption/external/discord"
	"github.com/foxseedlab/livecaption/external/objectstore"
	recognizerimpl "github.com/foxseedlab/livecaption/external/recognizer"
	registryimpl "github.com/foxseedlab/livecaption/external/registry"
	repositoryimpl "github.com/foxseedlab/livecaption/external/repository"
	translatorimpl "github.com/foxseedlab/livecaption/external/translator"
	webhookimpl "github.com/foxseedlab/livecaption/external/webhook"
	"github.com/foxseedlab/livecaption/internal/config"
	"github.com/foxseedlab/livecaption/internal/delivery"
	discordpkg "github.com/foxseedlab/livecaption/internal/discord"
	"github.com/foxseedlab/livecaption/internal/repository"
	"github.com/foxseedlab/livecaption/internal/server"
	"github.com/foxseedlab/livecaption/internal/session"
	"github.com/samber/do/v2"
)

const (
	discordConnectTimeout = 20 * time.Second
	shutdownTimeout       = 2 * time.Minute
)

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "stt_engine", cfg.DefaultSTTEngine, "database_driver", cfg.DatabaseDriver)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching caption agent")
	run(cfg, injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	configloader.RegisterDI(injector)
	repositoryimpl.RegisterDI(injector)
	audioimpl.RegisterDI(injector)
	discord.RegisterDI(injector)
	recognizerimpl.RegisterDI(injector)
	translatorimpl.RegisterDI(injector)
	objectstore.RegisterDI(injector)
	registryimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	delivery.RegisterDI(injector)
	server.RegisterDI(injector)
	session.RegisterDI(injector)

	return injector
}

func mustInvoke[T any](injector do.Injector, name string) T {
	v, err := do.Invoke[T](injector)
	if err != nil {
		slog.Error("failed to resolve dependency", "dependency", name, "error", err)
		os.Exit(1)
	}
	return v
}

func run(cfg *config.Config, injector do.Injector) {
	dc := mustInvoke[discordpkg.Client](injector, "discord client")
	manager := mustInvoke[*session.Manager](injector, "session manager")
	repo := mustInvoke[repository.Repository](injector, "repository")
	hub := mustInvoke[*server.Hub](injector, "live hub")
	uploader := mustInvoke[*delivery.Uploader](injector, "caption uploader")

	ctx, cancel := context.WithTimeout(context.Background(), discordConnectTimeout)
	defer cancel()

	slog.Info("startup: connecting to discord gateway")
	if err := dc.Connect(ctx); err != nil {
		slog.Error("discord connect failed", "error", err)
		os.Exit(1)
	}
	slog.Info("startup: discord connected")
	defer func() {
		if err := dc.Close(); err != nil {
			slog.Error("discord close failed", "error", err)
		}
	}()

	botUserID, err := dc.GetBotUserID()
	if err != nil {
		slog.Error("failed to resolve bot user id", "error", err)
		os.Exit(1)
	}
	manager.SetBotUserID(botUserID)

	if err := dc.UpsertGuildSlashCommands(cfg.DiscordGuildID, session.SlashCommandDefinitions()); err != nil {
		slog.Error("failed to upsert slash commands", "error", err, "guild_id", cfg.DiscordGuildID)
		os.Exit(1)
	}
	dc.RegisterVoiceStateUpdateHandler(manager.HandleVoiceStateUpdate)
	dc.RegisterSlashCommandHandler(manager.HandleSlashCommand)
	slog.Info("discord handlers registered", "guild_id", cfg.DiscordGuildID, "commands", []string{"caption", "caption-stop", "caption-language"})

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	go func() {
		if err := uploader.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("caption uploader stopped", "error", err)
		}
	}()

	srv := server.New(cfg.HTTPAddr, server.Handler(hub, repo, server.Options{
		SegmentDuration: cfg.CaptionSegmentDurationSec,
		MaxSegments:     cfg.CaptionMaxSegments,
	}))
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("caption sessions did not finalize in time", "error", err)
	}
	stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}
}
