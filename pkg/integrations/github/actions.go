package github

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// ActionOptions customizes a generated Actions workflow
type ActionOptions struct {
	// RunsOn is the runner label, default ubuntu-latest
	RunsOn string

	// GoVersion installs the CLI, default "1.24"
	GoVersion string

	// ServerURLSecret names the secret holding the agentrunner URL
	ServerURLSecret string

	// Secrets are exposed to the run step as environment variables
	Secrets []string
}

func (o ActionOptions) withDefaults() ActionOptions {
	if o.RunsOn == "" {
		o.RunsOn = "ubuntu-latest"
	}
	if o.GoVersion == "" {
		o.GoVersion = "1.24"
	}
	if o.ServerURLSecret == "" {
		o.ServerURLSecret = "AGENTRUNNER_URL"
	}
	if o.Secrets == nil {
		o.Secrets = []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GITHUB_TOKEN"}
	}
	return o
}

// GenerateAction renders a workflow_dispatch GitHub Actions workflow that
// runs def through agentrunner-cli. Each declared input becomes a dispatch
// input.
func GenerateAction(def *models.WorkflowDefinition, opts ActionOptions) ([]byte, error) {
	if def == nil || def.Name == "" {
		return nil, fmt.Errorf("workflow definition with a name is required")
	}
	opts = opts.withDefaults()

	inputs := yaml.MapSlice{}
	var flags []string
	addInput := func(name string, required bool) {
		inputs = append(inputs, yaml.MapItem{Key: name, Value: yaml.MapSlice{
			{Key: "description", Value: fmt.Sprintf("%s input %s", def.Name, name)},
			{Key: "required", Value: required},
			{Key: "type", Value: "string"},
		}})
		flags = append(flags, fmt.Sprintf(`--set %s="${{ github.event.inputs.%s }}"`, name, name))
	}
	for _, name := range def.RequiredInputs {
		addInput(name, true)
	}
	for _, name := range def.OptionalInputs {
		addInput(name, false)
	}

	env := yaml.MapSlice{
		{Key: "AGENTRUNNER_SERVER", Value: fmt.Sprintf("${{ secrets.%s }}", opts.ServerURLSecret)},
	}
	for _, s := range opts.Secrets {
		env = append(env, yaml.MapItem{Key: s, Value: fmt.Sprintf("${{ secrets.%s }}", s)})
	}

	run := fmt.Sprintf("agentrunner-cli execution run %s --wait", def.Name)
	if len(flags) > 0 {
		run += " \\\n  " + strings.Join(flags, " \\\n  ")
	}
	run += "\n"

	timeout := 30
	if def.Timeout > 0 {
		timeout = int(def.Timeout.Std().Minutes()) + 5
	}

	doc := yaml.MapSlice{
		{Key: "name", Value: "agentrunner: " + def.Name},
		{Key: "on", Value: yaml.MapSlice{
			{Key: "workflow_dispatch", Value: yaml.MapSlice{{Key: "inputs", Value: inputs}}},
		}},
		{Key: "jobs", Value: yaml.MapSlice{
			{Key: "orchestrate", Value: yaml.MapSlice{
				{Key: "runs-on", Value: opts.RunsOn},
				{Key: "timeout-minutes", Value: timeout},
				{Key: "steps", Value: []yaml.MapSlice{
					{
						{Key: "name", Value: "Checkout"},
						{Key: "uses", Value: "actions/checkout@v4"},
					},
					{
						{Key: "name", Value: "Setup Go"},
						{Key: "uses", Value: "actions/setup-go@v5"},
						{Key: "with", Value: yaml.MapSlice{{Key: "go-version", Value: opts.GoVersion}}},
					},
					{
						{Key: "name", Value: "Install agentrunner-cli"},
						{Key: "run", Value: "go install github.com/tcmartin/agentrunner/cmd/agentrunner-cli@latest"},
					},
					{
						{Key: "name", Value: "Execute workflow"},
						{Key: "run", Value: run},
						{Key: "env", Value: env},
					},
				}},
			}},
		}},
	}
	return yaml.Marshal(doc)
}
