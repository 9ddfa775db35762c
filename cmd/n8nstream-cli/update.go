package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcmartin/n8nstream/pkg/utils"
)

func newSendUpdateCmd() *cobra.Command {
	var (
		stage   string
		status  string
		message string
		data    string
	)

	cmd := &cobra.Command{
		Use:   "send-update [execution-id]",
		Short: "Post a progress update to the server, as an n8n workflow would",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()

			body := map[string]interface{}{
				"executionId": args[0],
				"status":      status,
			}
			if stage != "" {
				body["stage"] = stage
			}
			if message != "" {
				body["message"] = message
			}
			if data != "" {
				payload, err := readPayload(data)
				if err != nil {
					fail(err)
				}
				body["data"] = payload
			}

			resp := doRequest(&utils.HTTPRequest{
				URL:    baseURL(cfg) + "/api/stream-update",
				Method: http.MethodPost,
				Body:   body,
			})
			printJSON(resp.Body)
			if !resp.OK() {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "Workflow stage the update belongs to")
	cmd.Flags().StringVar(&status, "status", "in_progress", "in_progress, completed, error or info")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Human-readable message")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON data, or @file to read it from a file")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the server's health document",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			resp := doRequest(&utils.HTTPRequest{
				URL:    baseURL(cfg) + "/api/health",
				Method: http.MethodGet,
			})
			if !resp.OK() {
				fail(fmt.Errorf("server returned HTTP %d: %s", resp.StatusCode, resp.RawBody))
			}
			printJSON(resp.Body)
		},
	}
}

func doRequest(req *utils.HTTPRequest) *utils.HTTPResponse {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := utils.NewHTTPClient().Do(ctx, req)
	if err != nil {
		fail(err)
	}
	return resp
}
