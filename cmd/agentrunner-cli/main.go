// Package main provides a CLI for interacting with the agentrunner server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tcmartin/agentrunner/pkg/utils"
)

const defaultServerURL = "http://localhost:8080"

var (
	// Global flags
	serverURL  string
	configPath string
	output     string
	timeout    time.Duration
)

// Config represents the CLI configuration
type Config struct {
	ServerURL string `json:"server_url"`
}

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "agentrunner-cli",
		Short:         "AgentRunner CLI",
		Long:          "Command-line interface for managing workflows, agents and executions on an agentrunner server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if serverURL == "" {
				loadConfig()
			}
			serverURL = strings.TrimRight(serverURL, "/")
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", os.Getenv("AGENTRUNNER_SERVER"), "Server URL (env AGENTRUNNER_SERVER)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to CLI config file")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(
		newWorkflowCmd(),
		newTemplateCmd(),
		newExecutionCmd(),
		newAgentCmd(),
		newHealthCmd(),
		newUseCmd(),
		newMigrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig loads the CLI configuration
func loadConfig() {
	path := configFilePath()
	data, err := os.ReadFile(path)
	if err != nil {
		serverURL = defaultServerURL
		return
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to parse config file: %v\n", err)
	}
	serverURL = config.ServerURL
	if serverURL == "" {
		serverURL = defaultServerURL
	}
}

func configFilePath() string {
	if configPath != "" {
		return configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "cli-config.json"
	}
	return filepath.Join(home, ".agentrunner", "cli-config.json")
}

// saveConfig saves the CLI configuration
func saveConfig(config Config) error {
	path := configFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// newUseCmd stores the server URL for later invocations
func newUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use [server-url]",
		Short: "Save the default server URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := saveConfig(Config{ServerURL: strings.TrimRight(args[0], "/")}); err != nil {
				return err
			}
			fmt.Printf("Default server set to %s\n", args[0])
			return nil
		},
	}
}

// newHealthCmd reports server health
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var health map[string]interface{}
			if err := call(cmd.Context(), http.MethodGet, "/api/v1/health", nil, &health); err != nil {
				return err
			}
			return printJSON(health)
		},
	}
}

// apiError is the error body returned by the server
type apiError struct {
	Status      int      `json:"-"`
	Message     string   `json:"error"`
	Kind        string   `json:"kind,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Details     []string `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
	if e.Kind != "" {
		msg = fmt.Sprintf("%s: %s (HTTP %d)", e.Kind, e.Message, e.Status)
	}
	if len(e.Details) > 0 {
		msg += "\n  " + strings.Join(e.Details, "\n  ")
	}
	if e.ExecutionID != "" {
		msg += "\n  execution: " + e.ExecutionID
	}
	return msg
}

// request sends a request to the server and returns the raw response
func request(ctx context.Context, method, path string, body interface{}, headers map[string]string, requestTimeout time.Duration) (*utils.HTTPResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	client := utils.NewHTTPClientWith(&http.Client{})
	resp, err := client.Do(ctx, &utils.HTTPRequest{
		URL:     serverURL + path,
		Method:  method,
		Headers: headers,
		Body:    body,
		Timeout: requestTimeout,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.Unmarshal(resp.RawBody, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(resp.RawBody))
		}
		return resp, apiErr
	}
	return resp, nil
}

// call sends a JSON request and decodes the JSON response into out
func call(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := request(ctx, method, path, body, nil, timeout)
	if err != nil {
		return err
	}
	if out == nil || len(resp.RawBody) == 0 {
		return nil
	}
	return decodeInto(resp.RawBody, out)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printRaw(data []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(pretty.String())
}

func jsonOutput() bool {
	return output == "json"
}

func decodeInto(data []byte, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
