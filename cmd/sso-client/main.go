package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/marcogenualdo/sso-client/internal/config"
	"github.com/marcogenualdo/sso-client/internal/discovery"
	"github.com/marcogenualdo/sso-client/internal/navigator"
	"github.com/marcogenualdo/sso-client/internal/server"
	"github.com/marcogenualdo/sso-client/internal/session"
	"github.com/marcogenualdo/sso-client/internal/storage"
	"github.com/marcogenualdo/sso-client/internal/verifier"
)

const (
	version           = "1.0.0"
	defaultConfigPath = "/etc/sso-client/config.yaml"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to configuration file")
	configPathShort := flag.String("c", defaultConfigPath, "path to configuration file (short)")
	login := flag.Bool("login", false, "open the provider login page in a browser once the server is up")
	showVersion := flag.Bool("version", false, "show version and exit")
	showHelp := flag.Bool("help", false, "show help and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("SSO Client v%s\n", version)
		os.Exit(0)
	}

	if *showHelp {
		fmt.Println("SSO Client - OAuth2 authorization code client and session proxy")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfgPath := *configPath
	if *configPathShort != defaultConfigPath {
		cfgPath = *configPathShort
	}

	if err := run(cfgPath, *login); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, login bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("starting sso-client", "version", version)

	store, err := storage.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	logger.Info("storage initialized", "type", cfg.Storage.Type)

	ctx := context.Background()
	client := &http.Client{Timeout: cfg.Provider.Timeout}

	cache := discovery.New(ctx, discovery.Config{
		OpenIDConfigurationURL: cfg.Provider.OpenIDConfigurationURL,
		JWKSURL:                cfg.Provider.JWKSURL,
	}, store, logger, discovery.WithHTTPClient(client))

	// the provider may come up after us; lookups retry lazily
	if err := cache.Prefetch(ctx); err != nil {
		logger.Warn("provider metadata not prefetched", "error", err)
	}

	manager, err := session.NewManager(session.ConfigFrom(cfg), session.Deps{
		Store:      store,
		Discovery:  cache,
		Verifier:   verifier.New(cache, cache, cfg.Provider.ClientID),
		Navigator:  navigator.NewHTTP(navigator.NewBrowser(logger), logger),
		HTTPClient: client,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	var onListening func()
	if login {
		onListening = func() {
			if err := manager.Login(ctx, session.AppState{}); err != nil {
				logger.Error("failed to start login", "error", err)
			}
		}
	}

	srv := server.New(cfg, store, cache, manager, logger)
	return srv.Start(onListening)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stdout
	if strings.ToLower(cfg.Output) == "stderr" {
		out = os.Stderr
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}
