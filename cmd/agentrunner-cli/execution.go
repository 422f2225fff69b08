package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// startRequest mirrors the server's start payload
type startRequest struct {
	Workflow       string                 `json:"workflow"`
	Inputs         map[string]interface{} `json:"inputs,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Wait           bool                   `json:"wait,omitempty"`
	TimeoutSeconds float64                `json:"timeout_seconds,omitempty"`
}

// startResponse mirrors the server's asynchronous start reply
type startResponse struct {
	ExecutionID string `json:"execution_id"`
	Workflow    string `json:"workflow"`
	Status      string `json:"status"`
	RetryOf     string `json:"retry_of,omitempty"`
}

func newExecutionCmd() *cobra.Command {
	executionCmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"executions", "exec"},
		Short:   "Execution management",
	}

	runCmd := &cobra.Command{
		Use:   "run [workflow]",
		Short: "Start a workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecution,
	}
	runCmd.Flags().StringArray("set", nil, "Set an input (key=value; JSON values are decoded)")
	runCmd.Flags().String("input", "", "Inputs as a JSON object")
	runCmd.Flags().String("input-file", "", "Read inputs from a JSON file")
	runCmd.Flags().Bool("wait", false, "Wait for the execution to finish")
	runCmd.Flags().Duration("wait-timeout", 5*time.Minute, "How long --wait blocks")
	runCmd.Flags().Bool("watch", false, "Stream events until the execution finishes")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Args:  cobra.NoArgs,
		RunE:  listExecutions,
	}
	listCmd.Flags().String("workflow", "", "Only executions of this workflow")
	listCmd.Flags().String("status", "", "Only executions in this status")
	listCmd.Flags().Int("limit", 20, "Maximum executions to show")
	listCmd.Flags().Int("offset", 0, "Skip this many executions")

	activeCmd := &cobra.Command{
		Use:   "active",
		Short: "List pending and running executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Executions []*models.Execution `json:"executions"`
				Count      int                 `json:"count"`
			}
			if err := call(cmd.Context(), http.MethodGet, "/api/v1/executions/active", nil, &resp); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(resp)
			}
			return printExecutions(resp.Executions)
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show execution statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats map[string]interface{}
			if err := call(cmd.Context(), http.MethodGet, "/api/v1/executions/stats", nil, &stats); err != nil {
				return err
			}
			return printJSON(stats)
		},
	}

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var execution models.Execution
			if err := call(cmd.Context(), http.MethodGet, "/api/v1/executions/"+url.PathEscape(args[0]), nil, &execution); err != nil {
				return err
			}
			return printExecution(&execution)
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Cancelled bool `json:"cancelled"`
			}
			if err := call(cmd.Context(), http.MethodDelete, "/api/v1/executions/"+url.PathEscape(args[0]), nil, &resp); err != nil {
				return err
			}
			if resp.Cancelled {
				fmt.Printf("Cancellation requested for %s\n", args[0])
			} else {
				fmt.Printf("Execution %s already finished\n", args[0])
			}
			return nil
		},
	}

	waitCmd := &cobra.Command{
		Use:   "wait [id]",
		Short: "Wait for an execution to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			waitFor, _ := cmd.Flags().GetDuration("wait-timeout")
			execution, err := awaitExecution(cmd.Context(), args[0], waitFor)
			if err != nil {
				return err
			}
			return finish(execution)
		},
	}
	waitCmd.Flags().Duration("wait-timeout", 5*time.Minute, "How long to block")

	retryCmd := &cobra.Command{
		Use:   "retry [id]",
		Short: "Start a new execution with the inputs of a failed or cancelled one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp startResponse
			if err := call(cmd.Context(), http.MethodPost, "/api/v1/executions/"+url.PathEscape(args[0])+"/retry", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("Execution %s started (retry of %s)\n", resp.ExecutionID, resp.RetryOf)
			return nil
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch [id]",
		Short: "Stream the events of an execution until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchExecution(cmd.Context(), args[0])
		},
	}

	executionCmd.AddCommand(runCmd, listCmd, activeCmd, statsCmd, getCmd, cancelCmd, waitCmd, retryCmd, watchCmd)
	return executionCmd
}

func runExecution(cmd *cobra.Command, args []string) error {
	inputs, err := collectInputs(cmd)
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetBool("wait")
	watch, _ := cmd.Flags().GetBool("watch")
	waitFor, _ := cmd.Flags().GetDuration("wait-timeout")

	req := startRequest{
		Workflow: args[0],
		Inputs:   inputs,
		Metadata: map[string]interface{}{"source": "cli"},
	}
	if !wait {
		var resp startResponse
		if err := call(cmd.Context(), http.MethodPost, "/api/v1/executions", req, &resp); err != nil {
			return err
		}
		fmt.Printf("Execution %s started (%s)\n", resp.ExecutionID, resp.Status)
		if watch {
			return watchExecution(cmd.Context(), resp.ExecutionID)
		}
		return nil
	}

	req.Wait = true
	req.TimeoutSeconds = waitFor.Seconds()
	resp, err := request(cmd.Context(), http.MethodPost, "/api/v1/executions", req, nil, waitFor+timeout)
	if err != nil {
		return err
	}
	var execution models.Execution
	if err := decodeInto(resp.RawBody, &execution); err != nil {
		return err
	}
	return finish(&execution)
}

// collectInputs merges --input-file, --input and --set, in that order
func collectInputs(cmd *cobra.Command) (map[string]interface{}, error) {
	inputs := make(map[string]interface{})

	if file, _ := cmd.Flags().GetString("input-file"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("input file must hold a JSON object: %w", err)
		}
	}

	if raw, _ := cmd.Flags().GetString("input"); raw != "" {
		var extra map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			return nil, fmt.Errorf("--input must be a JSON object: %w", err)
		}
		for k, v := range extra {
			inputs[k] = v
		}
	}

	assignments, _ := cmd.Flags().GetStringArray("set")
	parsed, err := parseAssignments(assignments)
	if err != nil {
		return nil, err
	}
	for k, v := range parsed {
		inputs[k] = v
	}
	return inputs, nil
}

// parseAssignments turns key=value pairs into inputs. Values that parse as
// JSON keep their type; anything else is a string.
func parseAssignments(assignments []string) (map[string]interface{}, error) {
	inputs := make(map[string]interface{}, len(assignments))
	for _, a := range assignments {
		key, value, ok := strings.Cut(a, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", a)
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			inputs[key] = decoded
		} else {
			inputs[key] = value
		}
	}
	return inputs, nil
}

func awaitExecution(ctx context.Context, id string, waitFor time.Duration) (*models.Execution, error) {
	path := fmt.Sprintf("/api/v1/executions/%s/wait?timeout_seconds=%s", url.PathEscape(id), strconv.FormatFloat(waitFor.Seconds(), 'f', -1, 64))
	resp, err := request(ctx, http.MethodGet, path, nil, nil, waitFor+timeout)
	if err != nil {
		return nil, err
	}
	var execution models.Execution
	if err := decodeInto(resp.RawBody, &execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

// finish prints the execution and fails unless it completed
func finish(execution *models.Execution) error {
	if err := printExecution(execution); err != nil {
		return err
	}
	switch execution.Status {
	case models.StateCompleted:
		return nil
	case models.StatePending, models.StateRunning:
		return fmt.Errorf("execution %s still %s", execution.ID, execution.Status)
	default:
		return fmt.Errorf("execution %s %s", execution.ID, execution.Status)
	}
}

func listExecutions(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	if wf, _ := cmd.Flags().GetString("workflow"); wf != "" {
		query.Set("workflow_name", wf)
	}
	if status, _ := cmd.Flags().GetString("status"); status != "" {
		query.Set("status", status)
	}
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))

	var resp struct {
		Executions []*models.Execution `json:"executions"`
		Count      int                 `json:"count"`
	}
	if err := call(cmd.Context(), http.MethodGet, "/api/v1/executions?"+query.Encode(), nil, &resp); err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(resp)
	}
	return printExecutions(resp.Executions)
}

func printExecutions(executions []*models.Execution) error {
	if len(executions) == 0 {
		fmt.Println("No executions found")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKFLOW\tSTATUS\tSTEP\tCREATED\tDURATION")
	for _, e := range executions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.WorkflowName, e.Status, e.CurrentStep,
			e.CreatedAt.Local().Format(time.DateTime), executionDuration(e))
	}
	return w.Flush()
}

func printExecution(e *models.Execution) error {
	if jsonOutput() {
		return printJSON(e)
	}

	fmt.Printf("Execution: %s\n", e.ID)
	fmt.Printf("Workflow:  %s\n", e.WorkflowName)
	fmt.Printf("Status:    %s\n", e.Status)
	if d := executionDuration(e); d != "" {
		fmt.Printf("Duration:  %s\n", d)
	}
	if e.Error != nil {
		if e.Error.Step != "" {
			fmt.Printf("Error:     %s in step %s: %s\n", e.Error.Kind, e.Error.Step, e.Error.Message)
		} else {
			fmt.Printf("Error:     %s: %s\n", e.Error.Kind, e.Error.Message)
		}
	}

	if len(e.Steps) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tAGENT\tRESULT")
		for _, step := range e.Steps {
			result := "ok"
			switch {
			case step.Skipped:
				result = "skipped"
			case !step.Success:
				result = "failed: " + step.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", step.StepName, step.Agent, result)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(e.Result) > 0 {
		fmt.Println("\nResult:")
		return printJSON(e.Result)
	}
	return nil
}

func executionDuration(e *models.Execution) string {
	if e.StartedAt == nil {
		return ""
	}
	end := time.Now()
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	return end.Sub(*e.StartedAt).Round(time.Millisecond).String()
}

// watchExecution prints execution events from the server's event stream
// until the execution reaches a terminal state
func watchExecution(ctx context.Context, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var current models.Execution
	if err := call(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, &current); err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		return finish(&current)
	}

	client := sse.NewClient(serverURL + "/api/v1/events?execution_id=" + url.QueryEscape(id))
	// Recheck after connecting in case the execution finished meanwhile
	client.OnConnect(func(c *sse.Client) {
		var snapshot models.Execution
		if err := call(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, &snapshot); err == nil && snapshot.Status.IsTerminal() {
			cancel()
		}
	})

	err := client.SubscribeWithContext(ctx, id, func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}
		var event models.ExecutionEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		printEvent(event)
		if event.IsTerminal() {
			cancel()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream failed: %w", err)
	}

	final, err := awaitExecution(context.Background(), id, time.Second)
	if err != nil {
		return err
	}
	return finish(final)
}

func printEvent(e models.ExecutionEvent) {
	if jsonOutput() {
		_ = printJSON(e)
		return
	}
	line := fmt.Sprintf("%s  %-20s", e.Timestamp.Local().Format("15:04:05.000"), e.Type)
	if e.StepName != "" {
		line += "  " + e.StepName
	}
	if e.Message != "" {
		line += "  " + e.Message
	}
	fmt.Println(line)
}
