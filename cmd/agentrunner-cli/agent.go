package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tcmartin/agentrunner/pkg/agents"
)

func newAgentCmd() *cobra.Command {
	agentCmd := &cobra.Command{
		Use:     "agent",
		Aliases: []string{"agents"},
		Short:   "Agent management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Agents []agents.Info `json:"agents"`
				Count  int           `json:"count"`
			}
			if err := call(cmd.Context(), http.MethodGet, "/api/v1/agents", nil, &resp); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(resp)
			}
			if resp.Count == 0 {
				fmt.Println("No agents registered")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tHEALTH\tDESCRIPTION")
			for _, a := range resp.Agents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Name, a.Type, healthLabel(a), a.Description)
			}
			return w.Flush()
		},
	}

	getCmd := &cobra.Command{
		Use:   "get [name]",
		Short: "Describe an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var info agents.Info
			if err := call(cmd.Context(), http.MethodGet, "/api/v1/agents/"+url.PathEscape(args[0]), nil, &info); err != nil {
				return err
			}
			return printJSON(info)
		},
	}

	createCmd := &cobra.Command{
		Use:   "create [file]",
		Short: "Register an agent from a YAML or JSON configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readAgentConfig(args[0])
			if err != nil {
				return err
			}
			var info agents.Info
			if err := call(cmd.Context(), http.MethodPost, "/api/v1/agents", cfg, &info); err != nil {
				return err
			}
			fmt.Printf("Agent %s (%s) registered\n", info.Name, info.Type)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [name]",
		Short: "Unregister an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd.Context(), http.MethodDelete, "/api/v1/agents/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Printf("Agent %s unregistered\n", args[0])
			return nil
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health [name]",
		Short: "Run an agent health check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Name    string      `json:"name"`
				Healthy bool        `json:"healthy"`
				Agent   agents.Info `json:"agent"`
			}
			if err := call(cmd.Context(), http.MethodPost, "/api/v1/agents/"+url.PathEscape(args[0])+"/health", nil, &resp); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(resp)
			}
			if !resp.Healthy {
				return fmt.Errorf("agent %s is unhealthy: %s", resp.Name, resp.Agent.LastError)
			}
			fmt.Printf("Agent %s is healthy\n", resp.Name)
			return nil
		},
	}

	agentCmd.AddCommand(listCmd, getCmd, createCmd, deleteCmd, healthCmd)
	return agentCmd
}

// readAgentConfig decodes an agent configuration; JSON files parse as YAML
func readAgentConfig(path string) (*agents.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var cfg agents.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func healthLabel(info agents.Info) string {
	switch {
	case info.Healthy == nil:
		return "unknown"
	case *info.Healthy:
		return "healthy"
	default:
		return "unhealthy"
	}
}
