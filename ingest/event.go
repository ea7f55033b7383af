// Package ingest implements the webhook intake boundary: it authenticates
// inbound events, validates their shape, and converts them into
// idempotent, queued sync operations.
package ingest

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/statemesh/statemesh/pipeline"
)

// EventType is the fixed enum of inbound event kinds.
type EventType string

const (
	EventSchemaUpdated    EventType = "database.schema_updated"
	EventContentUpdated   EventType = "page.content_updated"
	EventStructureChanged EventType = "database.structure_changed"
)

// SyncType maps the event kind onto the pipeline's dispatch type.
func (t EventType) SyncType() pipeline.SyncType {
	switch t {
	case EventSchemaUpdated:
		return pipeline.SyncSchemaUpdate
	case EventContentUpdated:
		return pipeline.SyncContentUpdate
	case EventStructureChanged:
		return pipeline.SyncStructureChange
	}
	return ""
}

// Event is the inbound webhook body.
type Event struct {
	Object         string    `json:"object"`
	ID             string    `json:"id"`
	CreatedTime    time.Time `json:"created_time"`
	LastEditedTime time.Time `json:"last_edited_time"`
	Type           EventType `json:"type"`
	Parent         Parent    `json:"parent"`
	Data           EventData `json:"data"`
}

// Parent references the container the event's resource lives in.
type Parent struct {
	Type       string `json:"type"`
	DatabaseID string `json:"database_id,omitempty"`
	PageID     string `json:"page_id,omitempty"`
}

// EventData is the typed payload of the event.
type EventData struct {
	Object         string         `json:"object"`
	ID             string         `json:"id"`
	LastEditedTime time.Time      `json:"last_edited_time"`
	Properties     map[string]any `json:"properties,omitempty"`
	Schema         map[string]any `json:"schema,omitempty"`
}

// eventSchema is the wire contract enforced before any queuing happens.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["object", "id", "created_time", "last_edited_time", "type", "parent", "data"],
  "properties": {
    "object": {"const": "event"},
    "id": {"type": "string", "minLength": 1},
    "created_time": {"type": "string"},
    "last_edited_time": {"type": "string"},
    "type": {
      "enum": ["database.schema_updated", "page.content_updated", "database.structure_changed"]
    },
    "parent": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["database_id", "page_id"]},
        "database_id": {"type": "string"},
        "page_id": {"type": "string"}
      }
    },
    "data": {
      "type": "object",
      "required": ["object", "id", "last_edited_time"],
      "properties": {
        "object": {"type": "string", "minLength": 1},
        "id": {"type": "string", "minLength": 1},
        "last_edited_time": {"type": "string"},
        "properties": {"type": "object"},
        "schema": {"type": "object"}
      }
    }
  }
}`

// compileEventSchema builds the validator used by the gateway.
func compileEventSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	sch, err := compiler.Compile("event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return sch, nil
}

// validateEventBody checks the raw body against the wire contract.
func validateEventBody(sch *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse body: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("event shape: %w", err)
	}
	return nil
}
