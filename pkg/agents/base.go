package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tcmartin/agentrunner/pkg/logging"
)

// Reserved input names understood by the prompt driven agents
const (
	InputPrompt         = "prompt"
	InputSystem         = "system"
	InputResponseFormat = "response_format"
)

// baseAgent carries the configuration shared by every concrete agent
type baseAgent struct {
	config Config
	logger logging.Logger
}

func newBaseAgent(cfg Config, logger logging.Logger) baseAgent {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return baseAgent{
		config: cfg,
		logger: logger.WithFields(logging.F("agent", cfg.Name), logging.F("agent_type", cfg.Type)),
	}
}

// Name returns the configured agent name
func (b *baseAgent) Name() string { return b.config.Name }

// Type returns the configured agent type
func (b *baseAgent) Type() string { return b.config.Type }

// Config returns a copy of the agent configuration
func (b *baseAgent) Config() Config { return b.config }

// withCallTimeout bounds ctx by the configured per-call timeout, if any
func (b *baseAgent) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := b.config.callTimeout(0); t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

// buildPrompt returns the "prompt" input when it is a string. Otherwise it
// renders every non-reserved input as a "key: value" line, sorted by key.
func buildPrompt(inputs map[string]interface{}) string {
	if p, ok := inputs[InputPrompt].(string); ok {
		return p
	}

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		switch k {
		case InputSystem, InputResponseFormat:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", k, renderValue(inputs[k]))
	}
	return b.String()
}

// systemPrompt prefers a "system" input over the configured system prompt
func systemPrompt(cfg Config, inputs map[string]interface{}) string {
	if s, ok := inputs[InputSystem].(string); ok && s != "" {
		return s
	}
	return cfg.SystemPrompt
}

// outputFormat prefers a "response_format" input over the configured format
func outputFormat(cfg Config, inputs map[string]interface{}) string {
	if f, ok := inputs[InputResponseFormat].(string); ok && f != "" {
		return f
	}
	return cfg.OutputFormat
}

func renderValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// sleepContext waits for d or until ctx ends
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
