// Package segment implements the Segment Runner: executing one segment's
// nodes against the current state, applying template substitution and
// self-heal advice injection, and emitting the segment's transition.
// Grounded on cmd/workflow-runner/resolver/resolver.go's recursive
// config-value resolution (string/map/array walk, gjson field extraction),
// adapted from its `$nodes.id.field` / `${...}` syntax to `{{dotted.path}}`
// substitution over the shared state bag plus the `{{__state_json}}` token.
package segment

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/skwuwu/workflow-core/common/kernel"
	"github.com/tidwall/gjson"
)

const stateJSONToken = "__state_json"

var templatePattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Templater substitutes `{{dotted.path}}` tokens with values read from a
// state bag, and `{{__state_json}}` with the whole bag JSON-encoded.
type Templater struct{}

func NewTemplater() *Templater { return &Templater{} }

// ResolveConfig walks a node config recursively, substituting templates in
// every string it encounters; maps and slices are resolved element-wise.
func (t *Templater) ResolveConfig(config map[string]interface{}, state *kernel.Bag) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		resolved, err := t.resolveValue(v, state)
		if err != nil {
			return nil, fmt.Errorf("resolve config key %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func (t *Templater) resolveValue(v interface{}, state *kernel.Bag) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return t.resolveString(val, state)
	case map[string]interface{}:
		return t.ResolveConfig(val, state)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := t.resolveValue(item, state)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString substitutes every {{...}} token in str. A string that is
// exactly one token resolves to the token's native value (so
// "{{items}}" can yield a slice, not its JSON-stringified form); a string
// with surrounding text or multiple tokens substitutes each as text.
func (t *Templater) resolveString(str string, state *kernel.Bag) (interface{}, error) {
	matches := templatePattern.FindAllStringSubmatchIndex(str, -1)
	if len(matches) == 0 {
		return str, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(str) {
		path := str[matches[0][2]:matches[0][3]]
		return t.lookup(path, state), nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(str[last:m[0]])
		path := str[m[2]:m[3]]
		b.WriteString(toDisplayString(t.lookup(path, state)))
		last = m[1]
	}
	b.WriteString(str[last:])
	return b.String(), nil
}

func (t *Templater) lookup(path string, state *kernel.Bag) interface{} {
	if path == stateJSONToken {
		data, err := json.Marshal(state.Raw())
		if err != nil {
			return ""
		}
		return string(data)
	}
	if !strings.Contains(path, ".") {
		return state.Get(path, nil)
	}
	// Use gjson for deep dotted paths so array-index segments
	// ("items.0.name") work the way field extraction does in the teacher's
	// resolveNodeReference.
	data, err := json.Marshal(state.Raw())
	if err != nil {
		return nil
	}
	result := gjson.GetBytes(data, path)
	if !result.Exists() {
		return nil
	}
	return result.Value()
}

func toDisplayString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
