package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripCodeFence("```\n{\"a\":1}\n```"))
	assert.Equal(t, "a: 1", StripCodeFence("```yaml\na: 1\n```"))
	assert.Equal(t, "plain", StripCodeFence("  plain  "))
}

func TestParseStructured(t *testing.T) {
	out, err := ParseStructured("```json\n{\"score\": 8, \"tags\": [\"x\"]}\n```", "json")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"score": float64(8), "tags": []interface{}{"x"}}, out)

	out, err = ParseStructured("summary: ok\nissues:\n  - one\n", "yaml")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"summary": "ok", "issues": []interface{}{"one"}}, out)

	out, err = ParseStructured("  just text\n", "text")
	require.NoError(t, err)
	assert.Equal(t, "just text", out)

	_, err = ParseStructured("{not json", "json")
	assert.Error(t, err)
}
