package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	paho "github.com/eclipse/paho.mqtt.golang"

	"bull-bridge/config"
	"bull-bridge/internal/application"
	"bull-bridge/internal/domain"
	"bull-bridge/internal/infra/bull"
	"bull-bridge/internal/infra/httpapi"
	"bull-bridge/internal/infra/pushover"
	"bull-bridge/internal/infra/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)
	paho.ERROR = slog.NewLogLogger(logger.Handler(), slog.LevelError)
	paho.CRITICAL = slog.NewLogLogger(logger.Handler(), slog.LevelError)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	credStore := store.NewFileStore(cfg.Bull.CredentialsFile)
	creds := loadCredentials(cfg.Bull, credStore, logger)

	catalog := bull.DefaultCatalog().Extend(
		cfg.Bull.Products.Switch,
		cfg.Bull.Products.Cover,
		cfg.Bull.Products.Charger,
	)
	logger.Info("product catalog",
		"switch", catalog.IDs(domain.DeviceKindSwitch),
		"cover", catalog.IDs(domain.DeviceKindCover),
		"charger", catalog.IDs(domain.DeviceKindCharger),
	)

	client := bull.NewClientWithURL(cfg.Bull.BaseURL, logger)
	registry := bull.NewRegistry(catalog, logger)
	session := bull.NewSessionManager(client, registry, creds, logger,
		bull.WithFlavor(bull.Flavor(cfg.Bull.Flavor)),
	)

	var push application.PushChannel
	if cfg.Push.IsEnabled() {
		push = bull.NewPushBridge(cfg.Push.Broker, session, registry, logger)
	} else {
		logger.Warn("push delivery disabled, device state will not update")
	}

	var notifier application.Notifier
	if cfg.Pushover.Enabled {
		notifier = pushover.NewClient(cfg.Pushover.Token, cfg.Pushover.UserKey)
	} else {
		notifier = &application.NoopNotifier{}
	}

	bridge := application.NewBridge(session, push, credStore, notifier, logger)

	server := httpapi.NewServer(cfg.HTTP.Addr, cfg.HTTP.AuthToken, bridge, logger)
	if err := server.Start(ctx); err != nil {
		logger.Error("starting control API", "error", err)
		os.Exit(1)
	}
	defer server.Stop()

	logger.Info("starting bull bridge",
		"flavor", cfg.Bull.Flavor,
		"families", creds.SelectedFamilies,
		"push", cfg.Push.IsEnabled(),
	)

	if err := bridge.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("bridge error", "error", err, "code", bull.ErrorCode(err))
		server.Stop()
		os.Exit(1)
	}
}

// loadCredentials prefers the stored snapshot over the config file.
func loadCredentials(cfg config.BullConfig, s *store.FileStore, logger *slog.Logger) domain.Credentials {
	stored, found, err := s.Load()
	if err != nil {
		logger.Warn("ignoring unreadable credentials file", "path", s.Path(), "error", err)
	}
	if found && !stored.Empty() {
		logger.Info("restored credentials snapshot", "path", s.Path())
		return stored
	}
	return domain.Credentials{
		Username:         cfg.Username,
		Password:         cfg.Password,
		SelectedFamilies: cfg.Families,
	}
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
