// Package main is the entry point for the n8nstream server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tcmartin/n8nstream/pkg/api"
	"github.com/tcmartin/n8nstream/pkg/config"
	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/store"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "Path to config file (JSON or YAML)")
	version    = flag.Bool("version", false, "Print version information")
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "n8nstream"
)

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(logging.LogConfig{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize application", logging.Err(err))
		os.Exit(1)
	}

	// Handle graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", logging.Err(err))
			os.Exit(1)
		}
	case <-stop:
		logger.Info("Shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			logger.Error("Error during shutdown", logging.Err(err))
			os.Exit(1)
		}
	}
}

// loadConfig loads the configuration from the flag path or the first
// standard location that exists, then applies the environment
func loadConfig() (*config.Config, error) {
	var cfg *config.Config

	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", *configPath, err)
		}
	} else {
		locations := []string{
			"./n8nstream.yaml",
			"./config.json",
			"./configs/config.yaml",
			filepath.Join(os.Getenv("HOME"), ".n8nstream", "config.yaml"),
			"/etc/n8nstream/config.yaml",
		}
		for _, path := range locations {
			if loaded, err := config.LoadConfig(path); err == nil {
				cfg = loaded
				break
			}
		}
		if cfg == nil {
			cfg = config.DefaultConfig()
		}
	}

	config.ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// App represents the n8nstream server process
type App struct {
	config *config.Config
	store  *store.Store
	server *api.Server
	logger logging.Logger
}

// NewApp wires the update store into the HTTP server
func NewApp(cfg *config.Config, logger logging.Logger) (*App, error) {
	st := store.New(store.Options{
		MaxHistory:    cfg.Store.MaxHistory,
		ActiveTTL:     cfg.Store.ActiveTTL.Duration,
		CompletedTTL:  cfg.Store.CompletedTTL.Duration,
		SweepInterval: cfg.Store.SweepInterval.Duration,
	}, logger)

	if err := st.Start(); err != nil {
		return nil, fmt.Errorf("failed to start store sweep: %w", err)
	}

	return &App{
		config: cfg,
		store:  st,
		server: api.NewServer(cfg, st, logger),
		logger: logger,
	}, nil
}

// Start serves until the listener fails or Stop is called
func (a *App) Start() error {
	a.logger.Info("Starting server",
		logging.F("version", AppVersion),
		logging.F("addr", a.config.ListenAddr()),
		logging.F("remote_lookup", a.config.RemoteLookupEnabled()))
	return a.server.Start()
}

// Stop releases every subscriber, which ends the open streams, then shuts
// the HTTP server down
func (a *App) Stop(ctx context.Context) error {
	if err := a.store.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down store: %w", err)
	}
	return a.server.Stop(ctx)
}
