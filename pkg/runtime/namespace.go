package runtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tcmartin/agentrunner/pkg/models"
)

// Namespace holds the variables of a single execution. Later writes
// overwrite earlier ones.
type Namespace struct {
	mu   sync.RWMutex
	vars map[string]interface{}
}

// NewNamespace creates a namespace seeded with a copy of initial
func NewNamespace(initial map[string]interface{}) *Namespace {
	ns := &Namespace{vars: make(map[string]interface{}, len(initial))}
	for k, v := range initial {
		ns.vars[k] = models.CloneValue(v)
	}
	return ns
}

// Set stores a variable
func (n *Namespace) Set(name string, value interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.vars[name] = value
}

// Get returns a variable and whether it is set
func (n *Namespace) Get(name string) (interface{}, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.vars[name]
	return v, ok
}

// Has reports whether a variable is set
func (n *Namespace) Has(name string) bool {
	_, ok := n.Get(name)
	return ok
}

// Snapshot returns a deep copy of all variables
func (n *Namespace) Snapshot() map[string]interface{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return models.CloneMap(n.vars)
}

// ResolveInputs resolves every entry of a step's input map
func (n *Namespace) ResolveInputs(step string, inputs map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(inputs))
	for k, expr := range inputs {
		v, err := n.Resolve(step, expr)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Resolve substitutes placeholders in expr. A string that consists of a
// single placeholder yields the variable with its type intact; placeholders
// embedded in longer strings are rendered as text. Maps and lists are
// resolved recursively.
func (n *Namespace) Resolve(step string, expr interface{}) (interface{}, error) {
	switch v := expr.(type) {
	case string:
		return n.resolveString(step, v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			r, err := n.Resolve(step, item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			r, err := n.Resolve(step, item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(v))
		for i, item := range v {
			r, err := n.resolveString(step, item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return expr, nil
	}
}

func (n *Namespace) resolveString(step, s string) (interface{}, error) {
	segments := parseTemplate(s)
	if len(segments) == 1 && segments[0].ref {
		return n.lookup(step, segments[0].text)
	}

	var b strings.Builder
	for _, seg := range segments {
		if !seg.ref {
			b.WriteString(seg.text)
			continue
		}
		v, err := n.lookup(step, seg.text)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
	}
	return b.String(), nil
}

// lookup resolves a dotted path such as "analysis.issues.0".
func (n *Namespace) lookup(step, path string) (interface{}, error) {
	parts := strings.Split(path, ".")

	n.mu.RLock()
	current, ok := n.vars[parts[0]]
	n.mu.RUnlock()
	if !ok {
		return nil, &ResolutionError{Variable: parts[0], Step: step}
	}

	for i, part := range parts[1:] {
		next, ok := child(current, part)
		if !ok {
			return nil, &ResolutionError{Variable: strings.Join(parts[:i+2], "."), Step: step}
		}
		current = next
	}
	return models.CloneValue(current), nil
}

func child(v interface{}, key string) (interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		c, ok := t[key]
		return c, ok
	case []interface{}:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(t) {
			return nil, false
		}
		return t[idx], true
	case []string:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(t) {
			return nil, false
		}
		return t[idx], true
	default:
		return nil, false
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	case map[string]interface{}, []interface{}, []string:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// References returns the root variable names used by placeholders in expr,
// in first-seen order without duplicates.
func References(expr interface{}) []string {
	var refs []string
	seen := make(map[string]bool)
	collectReferences(expr, seen, &refs)
	return refs
}

func collectReferences(expr interface{}, seen map[string]bool, refs *[]string) {
	switch v := expr.(type) {
	case string:
		for _, seg := range parseTemplate(v) {
			if !seg.ref {
				continue
			}
			root := strings.SplitN(seg.text, ".", 2)[0]
			if !seen[root] {
				seen[root] = true
				*refs = append(*refs, root)
			}
		}
	case map[string]interface{}:
		for _, item := range v {
			collectReferences(item, seen, refs)
		}
	case []interface{}:
		for _, item := range v {
			collectReferences(item, seen, refs)
		}
	case []string:
		for _, item := range v {
			collectReferences(item, seen, refs)
		}
	}
}

type segment struct {
	text string
	ref  bool
}

// parseTemplate splits s into literal text and {{name}} references. An
// opening brace pair without a matching close, or with an empty name, is
// kept as literal text.
func parseTemplate(s string) []segment {
	var segments []segment
	var literal strings.Builder

	flush := func() {
		if literal.Len() > 0 {
			segments = append(segments, segment{text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(s); {
		start := strings.Index(s[i:], "{{")
		if start < 0 {
			literal.WriteString(s[i:])
			break
		}
		start += i
		end := strings.Index(s[start+2:], "}}")
		if end < 0 {
			literal.WriteString(s[i:])
			break
		}
		end += start + 2

		name := strings.TrimSpace(s[start+2 : end])
		if !validReference(name) {
			literal.WriteString(s[i : end+2])
			i = end + 2
			continue
		}

		literal.WriteString(s[i:start])
		flush()
		segments = append(segments, segment{text: name, ref: true})
		i = end + 2
	}
	flush()

	if len(segments) == 0 {
		return []segment{{text: s}}
	}
	return segments
}

func validReference(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			if !(r == '_' || r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	return true
}
