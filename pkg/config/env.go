package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overrides configuration values from environment variables
func ApplyEnv(cfg *Config) {
	// Server configuration
	if host := os.Getenv("N8NSTREAM_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("N8NSTREAM_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if publicURL := os.Getenv("N8NSTREAM_PUBLIC_URL"); publicURL != "" {
		cfg.Server.PublicURL = publicURL
	}

	// n8n configuration
	if baseURL := os.Getenv("N8N_BASE_URL"); baseURL != "" {
		cfg.N8n.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if apiKey := os.Getenv("N8N_API_KEY"); apiKey != "" {
		cfg.N8n.APIKey = apiKey
	}

	// Tracking configuration
	if interval := os.Getenv("N8NSTREAM_POLL_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.Tracking.PollInterval = Duration{d}
		}
	}
	if wait := os.Getenv("N8NSTREAM_WAIT_FOR_COMPLETION"); wait != "" {
		if b, err := strconv.ParseBool(wait); err == nil {
			cfg.Tracking.WaitForCompletion = b
		}
	}
	if timeout := os.Getenv("N8NSTREAM_DEFAULT_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			cfg.Tracking.DefaultTimeout = Duration{d}
		}
	}

	// Streaming and CORS configuration
	if streamURL := os.Getenv("N8NSTREAM_STREAM_URL"); streamURL != "" {
		cfg.Streaming.URL = strings.TrimRight(streamURL, "/")
	}
	if origins := os.Getenv("N8NSTREAM_ALLOWED_ORIGINS"); origins != "" {
		var list []string
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				list = append(list, o)
			}
		}
		cfg.CORS.AllowedOrigins = list
	}

	// Logging configuration
	if level := os.Getenv("N8NSTREAM_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
}
