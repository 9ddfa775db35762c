package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/streaming"
)

func newWatchCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch [execution-id]",
		Short: "Print an execution's updates until it completes or fails",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			logger := newLogger()

			url := cfg.Streaming.URL
			if serverURL != "" {
				url = baseURL(cfg) + "/api/stream"
			}
			client := streaming.NewClient(streaming.Options{
				URL:                  url,
				ReconnectBaseDelay:   cfg.Streaming.ReconnectBaseDelay.Duration,
				MaxReconnectAttempts: cfg.Streaming.MaxReconnectAttempts,
			}, logger)
			defer client.Close()

			done := make(chan error, 1)
			err := client.Subscribe(args[0], streaming.Callbacks{
				OnUpdate:   printUpdate,
				OnComplete: func(models.StreamUpdate) { done <- nil },
				OnError:    func(err error) { done <- err },
			})
			if err != nil {
				fail(err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			var deadline <-chan time.Time
			if timeout > 0 {
				deadline = time.After(timeout)
			}
			select {
			case err := <-done:
				if err != nil {
					fail(err)
				}
			case <-ctx.Done():
			case <-deadline:
				fail(fmt.Errorf("execution %s did not finish within %s", args[0], timeout))
			}
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (default wait forever)")
	return cmd
}
