// Package schema turns a JSON Schema annotated with x-environment-variable
// and x-remap-values plus a user settings document into container
// environment variables.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Schema is the subset of a JSON Schema document the environment builder
// reads. Unknown keywords are ignored.
type Schema struct {
	Type        json.RawMessage            `json:"type,omitempty"` // "object" or ["object", "null"]
	Properties  Properties                 `json:"properties,omitempty"`
	AllOf       []*Schema                  `json:"allOf,omitempty"`
	Then        *Schema                    `json:"then,omitempty"`
	Default     json.RawMessage            `json:"default,omitempty"`
	EnvVar      string                     `json:"x-environment-variable,omitempty"`
	RemapValues map[string]json.RawMessage `json:"x-remap-values,omitempty"`
}

// Property is a named subschema. Properties keep their document order.
type Property struct {
	Name   string
	Schema *Schema
}

// Properties is an ordered list of named subschemas decoded from a JSON
// object.
type Properties []Property

func (p *Properties) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("properties: expected object, got %v", tok)
	}

	var props Properties
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("properties: unexpected key %v", tok)
		}
		var s Schema
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("properties: %s: %w", name, err)
		}
		props = append(props, Property{Name: name, Schema: &s})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = props
	return nil
}

func (p Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, prop := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(prop.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(prop.Schema)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the subschema of the named property, or nil.
func (p Properties) Get(name string) *Schema {
	for _, prop := range p {
		if prop.Name == name {
			return prop.Schema
		}
	}
	return nil
}

// Parse decodes a schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return &s, nil
}

// HasType reports whether the schema explicitly declares type t, either as
// the single type or as a member of a type list.
func (s *Schema) HasType(t string) bool {
	if s == nil || len(s.Type) == 0 {
		return false
	}
	var single string
	if err := json.Unmarshal(s.Type, &single); err == nil {
		return single == t
	}
	var list []string
	if err := json.Unmarshal(s.Type, &list); err == nil {
		for _, v := range list {
			if v == t {
				return true
			}
		}
	}
	return false
}
