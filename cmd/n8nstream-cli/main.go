// Package main provides a CLI for calling n8n webhooks through n8nstream and
// for interacting with a running n8nstream server.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tcmartin/n8nstream/pkg/config"
	"github.com/tcmartin/n8nstream/pkg/logging"
)

var (
	// Global flags
	serverURL  string
	configPath string
	verbose    bool
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "n8nstream-cli",
		Short: "n8nstream CLI",
		Long:  "Command-line interface for calling n8n webhooks and following their executions",
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "n8nstream server URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	rootCmd.AddCommand(newCallCmd(), newWatchCmd(), newSendUpdateCmd(), newHealthCmd(), newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config when given, otherwise the defaults, then the
// environment
func loadConfig() *config.Config {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			fail(err)
		}
		cfg = loaded
	}
	config.ApplyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		fail(err)
	}
	return cfg
}

// newLogger writes to stderr so stdout stays machine-readable
func newLogger() logging.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, err := logging.NewWithWriter(level, "text", os.Stderr)
	if err != nil {
		fail(err)
	}
	return logger
}

// baseURL is the n8nstream server the HTTP commands talk to
func baseURL(cfg *config.Config) string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	if cfg.Server.PublicURL != "" {
		return strings.TrimRight(cfg.Server.PublicURL, "/")
	}
	return "http://" + cfg.ListenAddr()
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Println(string(data))
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
