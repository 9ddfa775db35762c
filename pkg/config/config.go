// Package config provides configuration handling for n8nstream.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// N8n is the job runner the webhooks belong to
	N8n N8nConfig `json:"n8n" yaml:"n8n"`

	// Tracking configures correlation and polling
	Tracking TrackingConfig `json:"tracking" yaml:"tracking"`

	// Store configures the in-memory update store
	Store StoreConfig `json:"store" yaml:"store"`

	// Streaming configures the consumer-side streaming client and egress keep-alives
	Streaming StreamingConfig `json:"streaming" yaml:"streaming"`

	// CORS configures which browser origins may call the server
	CORS CORSConfig `json:"cors" yaml:"cors"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host" yaml:"host"`

	// Port to listen on
	Port int `json:"port" yaml:"port" validate:"min=1,max=65535"`

	// PublicURL is the deployment's own origin, always allowed by CORS
	PublicURL string `json:"public_url" yaml:"public_url" validate:"omitempty,url"`

	// IngressRateLimit is the number of update posts admitted per client per
	// minute; 0 disables the limit
	IngressRateLimit int `json:"ingress_rate_limit" yaml:"ingress_rate_limit" validate:"min=0"`
}

// N8nConfig contains the job runner's API settings
type N8nConfig struct {
	// BaseURL of the n8n instance, e.g. https://n8n.example.com
	BaseURL string `json:"base_url" yaml:"base_url" validate:"omitempty,url"`

	// APIKey enables remote execution lookups when set
	APIKey string `json:"api_key" yaml:"api_key"`

	// APIKeyHeader is the header the key is sent in
	APIKeyHeader string `json:"api_key_header" yaml:"api_key_header"`
}

// TrackingConfig controls how webhook calls are followed to completion
type TrackingConfig struct {
	PollInterval          Duration `json:"poll_interval" yaml:"poll_interval"`
	WaitForCompletion     bool     `json:"wait_for_completion" yaml:"wait_for_completion"`
	DefaultTimeout        Duration `json:"default_timeout" yaml:"default_timeout"`
	SyncResponseThreshold Duration `json:"sync_response_threshold" yaml:"sync_response_threshold"`
	LookupAttempts        int      `json:"lookup_attempts" yaml:"lookup_attempts" validate:"min=1"`
	LookupBaseDelay       Duration `json:"lookup_base_delay" yaml:"lookup_base_delay"`
	LookupBuffer          Duration `json:"lookup_buffer" yaml:"lookup_buffer"`
	LookupLimit           int      `json:"lookup_limit" yaml:"lookup_limit" validate:"min=1,max=250"`
	DeepSearchDepth       int      `json:"deep_search_depth" yaml:"deep_search_depth" validate:"min=0,max=32"`
}

// StoreConfig controls history bounds and eviction
type StoreConfig struct {
	MaxHistory    int      `json:"max_history" yaml:"max_history" validate:"min=1"`
	ActiveTTL     Duration `json:"active_ttl" yaml:"active_ttl"`
	CompletedTTL  Duration `json:"completed_ttl" yaml:"completed_ttl"`
	SweepInterval Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// StreamingConfig controls the push channel
type StreamingConfig struct {
	// URL of the egress endpoint, without the trailing execution id
	URL string `json:"url" yaml:"url" validate:"omitempty,url"`

	KeepAliveInterval    Duration `json:"keep_alive_interval" yaml:"keep_alive_interval"`
	ReconnectBaseDelay   Duration `json:"reconnect_base_delay" yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts" validate:"min=0"`
}

// CORSConfig lists browser origins allowed in addition to the public URL and n8n
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" validate:"dive,url"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the logging level
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`

	// Format is the log format
	Format string `json:"format" yaml:"format" validate:"oneof=json text"`

	// Output is the log output
	Output string `json:"output" yaml:"output" validate:"oneof=stdout stderr file"`

	// FilePath is the path to the log file
	FilePath string `json:"file_path" yaml:"file_path" validate:"required_if=Output file"`
}

// RemoteLookupEnabled reports whether n8n's API can be queried
func (c *Config) RemoteLookupEnabled() bool {
	return c.N8n.APIKey != "" && c.N8n.BaseURL != ""
}

// AllowedOrigins returns the configured origins plus the deployment's own
// origin and n8n's origin
func (c *Config) AllowedOrigins() []string {
	origins := append([]string{}, c.CORS.AllowedOrigins...)
	if c.Server.PublicURL != "" {
		origins = append(origins, c.Server.PublicURL)
	}
	if c.N8n.BaseURL != "" {
		origins = append(origins, c.N8n.BaseURL)
	}
	return origins
}

// ListenAddr is the host:port the server binds to
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the configuration for values the components cannot work with
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	positive := map[string]Duration{
		"tracking.poll_interval":        c.Tracking.PollInterval,
		"tracking.default_timeout":      c.Tracking.DefaultTimeout,
		"store.active_ttl":              c.Store.ActiveTTL,
		"store.completed_ttl":           c.Store.CompletedTTL,
		"store.sweep_interval":          c.Store.SweepInterval,
		"streaming.keep_alive_interval": c.Streaming.KeepAliveInterval,
	}
	for name, d := range positive {
		if d.Duration <= 0 {
			return fmt.Errorf("invalid configuration: %s must be positive", name)
		}
	}
	return nil
}

// LoadConfig loads the configuration from a JSON or YAML file. Keys missing
// from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "localhost",
			Port:             8080,
			IngressRateLimit: 600,
		},
		N8n: N8nConfig{
			APIKeyHeader: "X-N8N-API-KEY",
		},
		Tracking: TrackingConfig{
			PollInterval:          Duration{500 * time.Millisecond},
			WaitForCompletion:     true,
			DefaultTimeout:        Duration{5 * time.Minute},
			SyncResponseThreshold: Duration{5 * time.Second},
			LookupAttempts:        5,
			LookupBaseDelay:       Duration{time.Second},
			LookupBuffer:          Duration{10 * time.Second},
			LookupLimit:           10,
			DeepSearchDepth:       5,
		},
		Store: StoreConfig{
			MaxHistory:    100,
			ActiveTTL:     Duration{24 * time.Hour},
			CompletedTTL:  Duration{time.Hour},
			SweepInterval: Duration{5 * time.Minute},
		},
		Streaming: StreamingConfig{
			URL:                  "http://localhost:8080/api/stream",
			KeepAliveInterval:    Duration{30 * time.Second},
			ReconnectBaseDelay:   Duration{time.Second},
			MaxReconnectAttempts: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// SaveConfig saves the configuration to a file, as YAML when the extension says so
func SaveConfig(config *Config, path string) error {
	// Create the directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	default:
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write the file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
