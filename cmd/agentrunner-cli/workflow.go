package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tcmartin/agentrunner/pkg/registry"
	"github.com/tcmartin/agentrunner/pkg/templates"
)

func newWorkflowCmd() *cobra.Command {
	workflowCmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"workflows", "wf"},
		Short:   "Workflow management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE:  listWorkflows,
	}

	getCmd := &cobra.Command{
		Use:   "get [name]",
		Short: "Print a workflow definition as YAML",
		Args:  cobra.ExactArgs(1),
		RunE:  getWorkflow,
	}

	createCmd := &cobra.Command{
		Use:   "create [file]",
		Short: "Create a workflow from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE:  createWorkflow,
	}

	updateCmd := &cobra.Command{
		Use:   "update [name] [file]",
		Short: "Replace a workflow definition",
		Args:  cobra.ExactArgs(2),
		RunE:  updateWorkflow,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteWorkflow,
	}

	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a workflow file without storing it",
		Args:  cobra.ExactArgs(1),
		RunE:  validateWorkflow,
	}

	exportCmd := &cobra.Command{
		Use:   "export [name]",
		Short: "Export a workflow as a GitHub Actions workflow file",
		Args:  cobra.ExactArgs(1),
		RunE:  exportWorkflow,
	}
	exportCmd.Flags().String("runs-on", "", "Runner label for the generated job")
	exportCmd.Flags().StringP("file", "f", "", "Write to a file instead of stdout")

	workflowCmd.AddCommand(listCmd, getCmd, createCmd, updateCmd, deleteCmd, validateCmd, exportCmd)
	return workflowCmd
}

func listWorkflows(cmd *cobra.Command, args []string) error {
	var resp struct {
		Workflows []registry.WorkflowInfo `json:"workflows"`
		Count     int                     `json:"count"`
	}
	if err := call(cmd.Context(), http.MethodGet, "/api/v1/workflows", nil, &resp); err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(resp)
	}
	if resp.Count == 0 {
		fmt.Println("No workflows found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tSTEPS\tAGENTS\tREQUIRED INPUTS\tSOURCE")
	for _, wf := range resp.Workflows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			wf.Name, wf.Kind, wf.StepCount,
			strings.Join(wf.Agents, ","), strings.Join(wf.RequiredInputs, ","), wf.Source)
	}
	return w.Flush()
}

func getWorkflow(cmd *cobra.Command, args []string) error {
	headers := map[string]string{"Accept": "application/yaml"}
	if jsonOutput() {
		headers["Accept"] = "application/json"
	}
	resp, err := request(cmd.Context(), http.MethodGet, "/api/v1/workflows/"+url.PathEscape(args[0]), nil, headers, timeout)
	if err != nil {
		return err
	}
	if jsonOutput() {
		printRaw(resp.RawBody)
		return nil
	}
	fmt.Print(string(resp.RawBody))
	return nil
}

func createWorkflow(cmd *cobra.Command, args []string) error {
	content, err := readDefinitionFile(args[0])
	if err != nil {
		return err
	}
	if _, err := request(cmd.Context(), http.MethodPost, "/api/v1/workflows", content, yamlHeaders(), timeout); err != nil {
		return err
	}
	fmt.Println("Workflow created successfully")
	return nil
}

func updateWorkflow(cmd *cobra.Command, args []string) error {
	content, err := readDefinitionFile(args[1])
	if err != nil {
		return err
	}
	if _, err := request(cmd.Context(), http.MethodPut, "/api/v1/workflows/"+url.PathEscape(args[0]), content, yamlHeaders(), timeout); err != nil {
		return err
	}
	fmt.Printf("Workflow %s updated successfully\n", args[0])
	return nil
}

func deleteWorkflow(cmd *cobra.Command, args []string) error {
	if err := call(cmd.Context(), http.MethodDelete, "/api/v1/workflows/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Printf("Workflow %s deleted\n", args[0])
	return nil
}

func validateWorkflow(cmd *cobra.Command, args []string) error {
	content, err := readDefinitionFile(args[0])
	if err != nil {
		return err
	}

	var result struct {
		Valid    bool     `json:"valid"`
		Name     string   `json:"name"`
		Errors   []string `json:"errors"`
		Warnings []string `json:"warnings"`
	}
	resp, err := request(cmd.Context(), http.MethodPost, "/api/v1/workflows/validate", content, yamlHeaders(), timeout)
	if err != nil {
		return err
	}
	if jsonOutput() {
		printRaw(resp.RawBody)
		return nil
	}
	if err := decodeInto(resp.RawBody, &result); err != nil {
		return err
	}

	for _, e := range result.Errors {
		fmt.Println("error:  ", e)
	}
	for _, w := range result.Warnings {
		fmt.Println("warning:", w)
	}
	if !result.Valid {
		return fmt.Errorf("workflow %s is invalid", args[0])
	}
	fmt.Printf("Workflow %s is valid\n", result.Name)
	return nil
}

func exportWorkflow(cmd *cobra.Command, args []string) error {
	path := "/api/v1/workflows/" + url.PathEscape(args[0]) + "/github-action"
	if runsOn, _ := cmd.Flags().GetString("runs-on"); runsOn != "" {
		path += "?runs_on=" + url.QueryEscape(runsOn)
	}
	resp, err := request(cmd.Context(), http.MethodGet, path, nil, nil, timeout)
	if err != nil {
		return err
	}

	file, _ := cmd.Flags().GetString("file")
	if file == "" {
		fmt.Print(string(resp.RawBody))
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(file, resp.RawBody, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	fmt.Printf("GitHub Actions workflow written to %s\n", file)
	return nil
}

func newTemplateCmd() *cobra.Command {
	templateCmd := &cobra.Command{
		Use:     "template",
		Aliases: []string{"templates"},
		Short:   "Built-in workflow templates",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Templates []templates.Summary `json:"templates"`
				Count     int                 `json:"count"`
			}
			if err := call(cmd.Context(), http.MethodGet, "/api/v1/templates", nil, &resp); err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(resp)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCATEGORY\tSTEPS\tAGENTS\tDESCRIPTION")
			for _, t := range resp.Templates {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", t.Name, t.Category, t.StepCount, strings.Join(t.Agents, ","), t.Description)
			}
			return w.Flush()
		},
	}

	getCmd := &cobra.Command{
		Use:   "get [name]",
		Short: "Print a template definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := request(cmd.Context(), http.MethodGet, "/api/v1/templates/"+url.PathEscape(args[0]), nil, nil, timeout)
			if err != nil {
				return err
			}
			printRaw(resp.RawBody)
			return nil
		},
	}

	instantiateCmd := &cobra.Command{
		Use:   "instantiate [template]",
		Short: "Store a copy of a template as a workflow",
		Args:  cobra.ExactArgs(1),
		RunE:  instantiateTemplate,
	}
	instantiateCmd.Flags().String("name", "", "Name of the new workflow")
	instantiateCmd.Flags().String("description", "", "Description of the new workflow")
	instantiateCmd.Flags().StringToString("agent", nil, "Map a template agent to a registered agent (template=registered)")

	templateCmd.AddCommand(listCmd, getCmd, instantiateCmd)
	return templateCmd
}

func instantiateTemplate(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	description, _ := cmd.Flags().GetString("description")
	agentMap, _ := cmd.Flags().GetStringToString("agent")

	overrides := templates.Overrides{Name: name, Description: description, Agents: agentMap}
	var created struct {
		Name string `json:"name"`
	}
	if err := call(cmd.Context(), http.MethodPost, "/api/v1/templates/"+url.PathEscape(args[0])+"/instantiate", overrides, &created); err != nil {
		return err
	}
	fmt.Printf("Workflow %s created from template %s\n", created.Name, args[0])
	return nil
}

func readDefinitionFile(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return content, nil
}

func yamlHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/yaml"}
}
