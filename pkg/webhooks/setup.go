package webhooks

import (
	"github.com/tcmartin/n8nstream/pkg/config"
	"github.com/tcmartin/n8nstream/pkg/correlation"
	"github.com/tcmartin/n8nstream/pkg/logging"
	"github.com/tcmartin/n8nstream/pkg/n8n"
	"github.com/tcmartin/n8nstream/pkg/poller"
	"github.com/tcmartin/n8nstream/pkg/retry"
	"github.com/tcmartin/n8nstream/pkg/streaming"
	"github.com/tcmartin/n8nstream/pkg/utils"
)

// FromConfig wires an Orchestrator and its streaming client from cfg. Remote
// lookups and polling are only enabled when n8n's API key and base URL are
// both set. The caller owns the returned client and must Close it.
func FromConfig(cfg *config.Config, logger logging.Logger) (*Orchestrator, *streaming.Client) {
	httpClient := utils.NewHTTPClient()

	resolverOpts := correlation.Options{
		DeepSearchDepth: cfg.Tracking.DeepSearchDepth,
		Lookup: retry.Policy{
			MaxAttempts: cfg.Tracking.LookupAttempts,
			BaseDelay:   cfg.Tracking.LookupBaseDelay.Duration,
			Strategy:    retry.Linear,
		},
		Buffer: cfg.Tracking.LookupBuffer.Duration,
		Limit:  cfg.Tracking.LookupLimit,
	}

	var (
		lister   correlation.ExecutionLister
		statuses StatusPoller
	)
	if cfg.RemoteLookupEnabled() {
		client := n8n.NewClient(n8n.ClientConfig{
			BaseURL:      cfg.N8n.BaseURL,
			APIKey:       cfg.N8n.APIKey,
			APIKeyHeader: cfg.N8n.APIKeyHeader,
			HTTPClient:   httpClient,
		}, logger)
		lister = client
		statuses = poller.New(client, cfg.Tracking.PollInterval.Duration, logger)
	}

	streams := streaming.NewClient(streaming.Options{
		URL:                  cfg.Streaming.URL,
		HTTPClient:           httpClient,
		ReconnectBaseDelay:   cfg.Streaming.ReconnectBaseDelay.Duration,
		MaxReconnectAttempts: cfg.Streaming.MaxReconnectAttempts,
	}, logger)

	o := New(httpClient, correlation.NewResolver(lister, resolverOpts, logger), statuses, streams, Options{
		DefaultTimeout:    cfg.Tracking.DefaultTimeout.Duration,
		WaitForCompletion: cfg.Tracking.WaitForCompletion,
		SyncThreshold:     cfg.Tracking.SyncResponseThreshold.Duration,
	}, logger)
	return o, streams
}
