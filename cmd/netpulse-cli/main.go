// Command netpulse-cli is a thin REST client for NetPulse's API: a root
// command assembling subcommands that each validate a small set of
// positional args/flags, call the remote netpulse-server over HTTP, and
// pretty-print the JSON response.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	apiKeyHdr string

	rootCmd = &cobra.Command{
		Use:   "netpulse-cli",
		Short: "Command line client for the NetPulse control plane",
		Long:  `netpulse-cli talks to a running netpulse-server over its REST API: submit device jobs, inspect queued/finished jobs, and manage live workers.`,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("NETPULSE_SERVER", "http://localhost:8080"), "netpulse-server base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("NETPULSE_API_KEY"), "API key for the X-API-KEY header (or NETPULSE_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&apiKeyHdr, "api-key-header", "X-API-KEY", "header name the server expects the API key under")

	rootCmd.AddCommand(newJobCommand())
	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newHealthCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// apiClient wraps the small set of HTTP verbs the CLI needs against the
// netpulse-server envelope: {code, message, data}.
type apiClient struct {
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *apiClient) do(method, path string, query url.Values, body interface{}) (map[string]interface{}, error) {
	u := serverURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(apiKeyHdr, apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", u, err)
	}
	defer resp.Body.Close()

	var envelope map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if code, ok := envelope["code"].(float64); ok && code != 200 {
		return envelope, fmt.Errorf("server error: %v", envelope["message"])
	}
	return envelope, nil
}

func printEnvelope(env map[string]interface{}) {
	data, err := json.MarshalIndent(env["data"], "", "  ")
	if err != nil {
		fmt.Printf("%v\n", env["data"])
		return
	}
	fmt.Println(string(data))
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check netpulse-server's aggregate health status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()
			req, err := http.NewRequest(http.MethodGet, serverURL+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := client.http.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()
			var status map[string]interface{}
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("failed to decode health status: %w", err)
			}
			out, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func newJobCommand() *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and inspect device jobs",
	}
	jobCmd.AddCommand(newJobSubmitCommand())
	jobCmd.AddCommand(newJobListCommand())
	jobCmd.AddCommand(newJobCancelCommand())
	return jobCmd
}

func newJobSubmitCommand() *cobra.Command {
	var (
		driverName string
		host       string
		port       string
		username   string
		password   string
		command    []string
		cfgLines   []string
		strategy   string
		ttl        int
		webhookURL string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a single-device operation (POST /device/execute)",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"driver": driverName,
				"connection_args": map[string]interface{}{
					"host": host, "port": port, "username": username, "password": password,
				},
			}
			if len(cfgLines) > 0 {
				body["config"] = cfgLines
			} else {
				body["command"] = command
			}
			options := map[string]interface{}{}
			if strategy != "" {
				options["queue_strategy"] = strategy
			}
			if ttl > 0 {
				options["ttl"] = ttl
			}
			if webhookURL != "" {
				options["webhook"] = map[string]interface{}{"url": webhookURL, "method": "POST", "timeout_seconds": 10.0}
			}
			if len(options) > 0 {
				body["options"] = options
			}

			client := newAPIClient()
			env, err := client.do(http.MethodPost, "/device/execute", nil, body)
			if err != nil {
				return err
			}
			printEnvelope(env)
			return nil
		},
	}
	cmd.Flags().StringVar(&driverName, "driver", "", "driver name (required)")
	cmd.Flags().StringVar(&host, "host", "", "device host (required)")
	cmd.Flags().StringVar(&port, "port", "22", "device port")
	cmd.Flags().StringVar(&username, "username", "", "device username")
	cmd.Flags().StringVar(&password, "password", "", "device password")
	cmd.Flags().StringArrayVar(&command, "command", nil, "a query command (repeatable)")
	cmd.Flags().StringArrayVar(&cfgLines, "config", nil, "a config line to push (repeatable)")
	cmd.Flags().StringVar(&strategy, "queue-strategy", "", "override the driver's default queue strategy (pinned|fifo)")
	cmd.Flags().IntVar(&ttl, "ttl", 0, "job ttl in seconds before it must be claimed")
	cmd.Flags().StringVar(&webhookURL, "webhook-url", "", "webhook URL to invoke on completion")
	cmd.MarkFlagRequired("driver")
	cmd.MarkFlagRequired("host")
	return cmd
}

func newJobListCommand() *cobra.Command {
	var id, queue, status, host string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs matching a filter (GET /job)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIfNonEmpty(q, "id", id)
			setIfNonEmpty(q, "queue", queue)
			setIfNonEmpty(q, "status", status)
			setIfNonEmpty(q, "host", host)

			client := newAPIClient()
			env, err := client.do(http.MethodGet, "/job", q, nil)
			if err != nil {
				return err
			}
			printEnvelope(env)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id")
	cmd.Flags().StringVar(&queue, "queue", "", "queue name")
	cmd.Flags().StringVar(&status, "status", "", "job status")
	cmd.Flags().StringVar(&host, "host", "", "device host")
	return cmd
}

func newJobCancelCommand() *cobra.Command {
	var id, queue, host string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel queued jobs matching a filter (DELETE /job)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIfNonEmpty(q, "id", id)
			setIfNonEmpty(q, "queue", queue)
			setIfNonEmpty(q, "host", host)

			client := newAPIClient()
			env, err := client.do(http.MethodDelete, "/job", q, nil)
			if err != nil {
				return err
			}
			printEnvelope(env)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "job id")
	cmd.Flags().StringVar(&queue, "queue", "", "queue name")
	cmd.Flags().StringVar(&host, "host", "", "device host")
	return cmd
}

func newWorkerCommand() *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "List and terminate live workers",
	}
	workerCmd.AddCommand(newWorkerListCommand())
	workerCmd.AddCommand(newWorkerTerminateCommand())
	return workerCmd
}

func newWorkerListCommand() *cobra.Command {
	var name, queue, node, host string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List worker records matching a filter (GET /worker)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIfNonEmpty(q, "name", name)
			setIfNonEmpty(q, "queue", queue)
			setIfNonEmpty(q, "node", node)
			setIfNonEmpty(q, "host", host)

			client := newAPIClient()
			env, err := client.do(http.MethodGet, "/worker", q, nil)
			if err != nil {
				return err
			}
			printEnvelope(env)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name")
	cmd.Flags().StringVar(&queue, "queue", "", "queue name")
	cmd.Flags().StringVar(&node, "node", "", "node id")
	cmd.Flags().StringVar(&host, "host", "", "pinned device host")
	return cmd
}

func newWorkerTerminateCommand() *cobra.Command {
	var name, queue, node, host string
	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Terminate workers matching a filter (DELETE /worker)",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			setIfNonEmpty(q, "name", name)
			setIfNonEmpty(q, "queue", queue)
			setIfNonEmpty(q, "node", node)
			setIfNonEmpty(q, "host", host)

			client := newAPIClient()
			env, err := client.do(http.MethodDelete, "/worker", q, nil)
			if err != nil {
				return err
			}
			printEnvelope(env)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name")
	cmd.Flags().StringVar(&queue, "queue", "", "queue name")
	cmd.Flags().StringVar(&node, "node", "", "node id")
	cmd.Flags().StringVar(&host, "host", "", "pinned device host")
	return cmd
}

func setIfNonEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
