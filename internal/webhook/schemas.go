package webhook

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Payload shapes accepted by the webhook endpoints. Validation happens
// against compiled JSON schemas before any field is read.

const eventSchemaJSON = `{
	"type": "object",
	"required": ["externalRecordId", "data", "instanceKey"],
	"properties": {
		"externalRecordId": {"type": "string", "minLength": 1},
		"instanceKey": {"type": "string", "minLength": 1},
		"data": {
			"type": "object",
			"required": ["fields"],
			"properties": {
				"fields": {"type": "object"}
			}
		}
	}
}`

const deleteSchemaJSON = `{
	"type": "object",
	"required": ["externalRecordId", "instanceKey"],
	"properties": {
		"externalRecordId": {"type": "string", "minLength": 1},
		"instanceKey": {"type": "string", "minLength": 1}
	}
}`

const linkIDSchemaJSON = `{
	"type": "object",
	"required": ["userId", "id", "externalId"],
	"properties": {
		"userId": {"type": "string", "minLength": 1},
		"id": {"type": "string", "minLength": 1},
		"externalId": {"type": "string", "minLength": 1}
	}
}`

type schemas struct {
	event  *jsonschema.Schema
	delete *jsonschema.Schema
	linkID *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	compiler := jsonschema.NewCompiler()

	compile := func(name, raw string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		return schema, nil
	}

	event, err := compile("event.json", eventSchemaJSON)
	if err != nil {
		return nil, err
	}
	del, err := compile("delete.json", deleteSchemaJSON)
	if err != nil {
		return nil, err
	}
	linkID, err := compile("link-id.json", linkIDSchemaJSON)
	if err != nil {
		return nil, err
	}

	return &schemas{event: event, delete: del, linkID: linkID}, nil
}

// eventPayload is the decoded create/update payload.
type eventPayload struct {
	ExternalRecordID string
	InstanceKey      string
	Fields           map[string]any
}

func parseEventPayload(raw map[string]any) eventPayload {
	p := eventPayload{
		ExternalRecordID: stringField(raw, "externalRecordId"),
		InstanceKey:      stringField(raw, "instanceKey"),
		Fields:           map[string]any{},
	}
	if data, ok := raw["data"].(map[string]any); ok {
		if fields, ok := data["fields"].(map[string]any); ok {
			p.Fields = fields
		}
	}
	return p
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}
