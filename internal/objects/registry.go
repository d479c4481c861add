// Package objects declares the closed set of synchronizable app object
// types. The registry is resolved once at startup; handlers consult it
// for action names, capability flags and field validation instead of
// scattering per-type lookups across call sites.
package objects

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Definition describes one app object type.
type Definition struct {
	// Key is the app_object_key value stored on a Sync.
	Key         string
	DisplayName string

	// Remote action names for each sync operation.
	ListAction   string
	CreateAction string
	UpdateAction string
	DeleteAction string

	// Capability flags gate the push surface per type.
	AllowCreate bool
	AllowUpdate bool
	AllowDelete bool

	// Schema validates the data fields of a record of this type.
	Schema *jsonschema.Schema
}

// Registry holds the compiled object type definitions.
type Registry struct {
	defs map[string]Definition
}

type rawDefinition struct {
	Definition
	schemaJSON string
}

// builtinDefinitions is the closed set of supported object types.
var builtinDefinitions = []rawDefinition{
	{
		Definition: Definition{
			Key:          "contacts",
			DisplayName:  "Contacts",
			ListAction:   "list-contacts",
			CreateAction: "create-contact",
			UpdateAction: "update-contact",
			DeleteAction: "delete-contact",
			AllowCreate:  true,
			AllowUpdate:  true,
			AllowDelete:  true,
		},
		schemaJSON: `{
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"email": {"type": "string"},
				"phone": {"type": "string"},
				"company": {"type": "string"}
			},
			"additionalProperties": true
		}`,
	},
	{
		Definition: Definition{
			Key:          "tasks",
			DisplayName:  "Tasks",
			ListAction:   "list-tasks",
			CreateAction: "create-task",
			UpdateAction: "update-task",
			DeleteAction: "delete-task",
			AllowCreate:  true,
			AllowUpdate:  true,
			AllowDelete:  true,
		},
		schemaJSON: `{
			"type": "object",
			"properties": {
				"title": {"type": "string"},
				"status": {"type": "string"},
				"due_date": {"type": "string"},
				"assignee": {"type": "string"}
			},
			"additionalProperties": true
		}`,
	},
	{
		Definition: Definition{
			Key:          "documents",
			DisplayName:  "Documents",
			ListAction:   "list-documents",
			CreateAction: "create-document",
			UpdateAction: "",
			DeleteAction: "delete-document",
			AllowCreate:  true,
			AllowUpdate:  false,
			AllowDelete:  true,
		},
		schemaJSON: `{
			"type": "object",
			"properties": {
				"title": {"type": "string"},
				"mime_type": {"type": "string"},
				"size_bytes": {"type": "number"}
			},
			"additionalProperties": true
		}`,
	},
}

// NewRegistry compiles the builtin object type definitions.
func NewRegistry() (*Registry, error) {
	compiler := jsonschema.NewCompiler()

	defs := make(map[string]Definition, len(builtinDefinitions))
	for _, raw := range builtinDefinitions {
		name := raw.Key + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw.schemaJSON))
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", raw.Key, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", raw.Key, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", raw.Key, err)
		}
		def := raw.Definition
		def.Schema = schema
		defs[def.Key] = def
	}

	return &Registry{defs: defs}, nil
}

// Get returns the definition for an object key.
func (r *Registry) Get(key string) (Definition, bool) {
	def, ok := r.defs[key]
	return def, ok
}

// Keys returns the registered object keys.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.defs))
	for k := range r.defs {
		keys = append(keys, k)
	}
	return keys
}

// ValidateData checks a record's data fields against the object schema.
func (r *Registry) ValidateData(key string, data map[string]any) error {
	def, ok := r.defs[key]
	if !ok {
		return fmt.Errorf("unknown object type %q", key)
	}
	// jsonschema validates generic JSON values; map[string]any from a
	// decoded request body is already in that shape.
	value := map[string]any{}
	for k, v := range data {
		value[k] = v
	}
	if err := def.Schema.Validate(any(value)); err != nil {
		return fmt.Errorf("invalid %s fields: %w", key, err)
	}
	return nil
}
