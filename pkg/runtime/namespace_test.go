package runtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespace_Resolve(t *testing.T) {
	ns := NewNamespace(map[string]interface{}{
		"code":     "x=1",
		"issues":   []interface{}{"unused var", "shadowing"},
		"score":    7,
		"analysis": map[string]interface{}{"summary": "ok", "files": []interface{}{"a.go", "b.go"}},
		"nothing":  nil,
	})

	tests := []struct {
		name string
		expr interface{}
		want interface{}
	}{
		{"literal string", "plain text", "plain text"},
		{"literal number", 42, 42},
		{"whole field keeps list type", "{{issues}}", []interface{}{"unused var", "shadowing"}},
		{"whole field keeps int type", "{{score}}", 7},
		{"whole field with spaces", "{{ code }}", "x=1"},
		{"inline becomes string", "Result: {{score}}", "Result: 7"},
		{"inline list renders json", "Issues: {{issues}}", `Issues: ["unused var","shadowing"]`},
		{"inline nil renders empty", "[{{nothing}}]", "[]"},
		{"two placeholders", "{{code}}/{{score}}", "x=1/7"},
		{"dotted path", "{{analysis.summary}}", "ok"},
		{"list index", "{{analysis.files.1}}", "b.go"},
		{"unterminated is literal", "{{code", "{{code"},
		{"empty braces are literal", "{{}} {{code}}", "{{}} x=1"},
		{
			"nested structures",
			map[string]interface{}{
				"prev": "{{analysis}}",
				"list": []interface{}{"{{code}}", "n={{score}}", 3},
			},
			map[string]interface{}{
				"prev": map[string]interface{}{"summary": "ok", "files": []interface{}{"a.go", "b.go"}},
				"list": []interface{}{"x=1", "n=7", 3},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ns.Resolve("step", tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNamespace_ResolveUnknown(t *testing.T) {
	ns := NewNamespace(map[string]interface{}{"analysis": map[string]interface{}{"summary": "ok"}})

	_, err := ns.Resolve("review", map[string]interface{}{"x": []interface{}{"{{missing}}"}})
	require.Error(t, err)

	var rerr *ResolutionError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "missing", rerr.Variable)
	assert.Equal(t, "review", rerr.Step)
	assert.ErrorIs(t, err, ErrResolution)
	assert.Equal(t, KindResolution, KindOf(err))

	_, err = ns.Resolve("review", "{{analysis.detail}}")
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "analysis.detail", rerr.Variable)
}

func TestNamespace_SetGetSnapshot(t *testing.T) {
	ns := NewNamespace(nil)
	ns.Set("a", []interface{}{1})
	ns.Set("a", []interface{}{2})

	v, ok := ns.Get("a")
	require.True(t, ok)
	assert.Equal(t, []interface{}{2}, v)

	snap := ns.Snapshot()
	snap["a"].([]interface{})[0] = 99
	v, _ = ns.Get("a")
	assert.Equal(t, []interface{}{2}, v)

	_, ok = ns.Get("b")
	assert.False(t, ok)
}

func TestNamespace_ResolvedValuesAreCopies(t *testing.T) {
	ns := NewNamespace(map[string]interface{}{"list": []interface{}{"a"}})

	got, err := ns.Resolve("s", "{{list}}")
	require.NoError(t, err)
	got.([]interface{})[0] = "changed"

	v, _ := ns.Get("list")
	assert.Equal(t, []interface{}{"a"}, v)
}

func TestReferences(t *testing.T) {
	refs := References(map[string]interface{}{
		"a": "{{code}} and {{analysis.summary}}",
		"b": []interface{}{"{{code}}", "literal", "{{ style_guide }}"},
	})
	assert.ElementsMatch(t, []string{"code", "analysis", "style_guide"}, refs)

	assert.Empty(t, References("no placeholders"))
	assert.Empty(t, References(12))
}
