package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcmartin/n8nstream/pkg/models"
	"github.com/tcmartin/n8nstream/pkg/streaming"
	"github.com/tcmartin/n8nstream/pkg/webhooks"
)

func newCallCmd() *cobra.Command {
	var (
		method  string
		data    string
		timeout time.Duration
		wait    bool
		stream  bool
		headers []string
	)

	cmd := &cobra.Command{
		Use:   "call [webhook-url]",
		Short: "Call an n8n webhook and follow the execution it starts",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			logger := newLogger()

			o, streams := webhooks.FromConfig(cfg, logger)
			defer streams.Close()

			payload, err := readPayload(data)
			if err != nil {
				fail(err)
			}

			req := webhooks.CallRequest{
				URL:     args[0],
				Method:  method,
				Payload: payload,
				Timeout: timeout,
				Headers: parseHeaders(headers),
			}
			if cmd.Flags().Changed("wait") {
				req.WaitForCompletion = &wait
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if !stream {
				printJSON(o.Call(ctx, req))
				return
			}

			done := make(chan error, 1)
			req.Callbacks = &streaming.Callbacks{
				OnStart: func(executionID string) {
					fmt.Fprintf(os.Stderr, "Execution %s started\n", executionID)
				},
				OnUpdate: func(u models.StreamUpdate) {
					printUpdate(u)
				},
				OnComplete: func(models.StreamUpdate) {
					done <- nil
				},
				OnError: func(err error) {
					select {
					case done <- err:
					default:
					}
				},
			}

			result := o.Call(ctx, req)
			printJSON(result)
			if !result.Success {
				os.Exit(1)
			}

			limit := cfg.Tracking.DefaultTimeout.Duration
			if timeout > 0 {
				limit = timeout
			}
			select {
			case err := <-done:
				if err != nil {
					fail(err)
				}
			case <-ctx.Done():
				fail(ctx.Err())
			case <-time.After(limit):
				fail(fmt.Errorf("no terminal update within %s", limit))
			}
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", "", "HTTP method (default POST)")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload, or @file to read it from a file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall timeout (default from config)")
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for asynchronous executions to finish")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print progress updates as they arrive instead of polling")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Extra request header, as 'Name: value'")
	return cmd
}

// readPayload parses data as JSON, falling back to sending it as text
func readPayload(data string) (interface{}, error) {
	if data == "" {
		return nil, nil
	}
	if strings.HasPrefix(data, "@") {
		raw, err := os.ReadFile(data[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
		data = string(raw)
	}
	var v interface{}
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return data, nil
	}
	return v, nil
}

func parseHeaders(values []string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for _, h := range values {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out
}

func printUpdate(u models.StreamUpdate) {
	line := fmt.Sprintf("%s [%s] %s %s", u.Timestamp, u.Status, u.Stage, u.Message)
	if !u.Data.IsNull() && u.Data.Len() > 0 {
		line += " " + u.Data.String()
	}
	fmt.Println(strings.TrimSpace(line))
}
