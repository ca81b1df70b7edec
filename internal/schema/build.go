package schema

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// CustomEnvironment is the root property holding free-form variables.
const CustomEnvironment = "custom_environment"

// Build walks root and collects the environment variables described by
// x-environment-variable annotations, taking values from data and falling
// back to schema defaults.
//
// Conditional branches (allOf[].then) are always applied; their if clause
// is not evaluated. At the root, variables from data.custom_environment are
// merged first and the defaults declared under the schema's
// custom_environment property are merged afterwards, overwriting user
// values of the same name.
func Build(root *Schema, data json.RawMessage) map[string]string {
	result := make(map[string]string)
	if root == nil {
		return result
	}
	obj := decodeObject(data)
	build(root, obj, result)

	for name, raw := range decodeObject(obj[CustomEnvironment]) {
		if v, ok := scalarText(raw); ok {
			result[name] = v
		}
	}
	if custom := root.Properties.Get(CustomEnvironment); custom != nil {
		for _, prop := range custom.Properties {
			if v, ok := defaultText(prop.Schema.Default); ok {
				result[prop.Name] = v
			}
		}
	}
	return result
}

func build(s *Schema, data map[string]json.RawMessage, result map[string]string) {
	for _, branch := range s.AllOf {
		if branch != nil && branch.Then != nil {
			build(branch.Then, data, result)
		}
	}

	for _, prop := range s.Properties {
		ps := prop.Schema
		if ps == nil {
			continue
		}
		if ps.HasType("object") {
			// Recurse without data to still collect nested defaults.
			build(ps, decodeObject(data[prop.Name]), result)
			continue
		}
		if ps.EnvVar == "" {
			continue
		}

		value, ok := scalarText(data[prop.Name])
		if !ok {
			value, ok = defaultText(ps.Default)
		}
		if !ok {
			continue
		}
		if ps.RemapValues != nil {
			mapped, found := ps.RemapValues[value]
			if !found {
				continue
			}
			if value, ok = defaultText(mapped); !ok {
				continue
			}
		}
		result[ps.EnvVar] = value
	}
}

// Render returns the environment as sorted "KEY=VALUE" entries.
func Render(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// RenderText returns the rendered environment joined by newlines.
func RenderText(env map[string]string) string {
	return strings.Join(Render(env), "\n")
}

// decodeObject returns the members of a JSON object, or nil when raw is
// absent, null or not an object.
func decodeObject(raw json.RawMessage) map[string]json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

// scalarText renders a JSON string, number or boolean as plain text. Null,
// objects and arrays yield false.
func scalarText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return "", false
		}
		if b {
			return "true", true
		}
		return "false", true
	case 'n', '{', '[':
		return "", false
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false
		}
		return n.String(), true
	}
}

// defaultText renders a schema default. Scalars render as text; objects and
// arrays render as compact JSON.
func defaultText(raw json.RawMessage) (string, bool) {
	if v, ok := scalarText(raw); ok {
		return v, true
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == 'n' {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", false
	}
	return buf.String(), true
}
