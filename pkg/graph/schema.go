package graph

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const graphSchemaURL = "https://qualibrate.local/schemas/graph.json"

// graphSchemaJSON describes the shape of a workflow graph as served by
// /execution/get_graphs. Structural rules (unique ids, edge endpoints) are
// checked after decoding.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://qualibrate.local/schemas/graph.json",
  "$ref": "#/$defs/graph",
  "$defs": {
    "key": { "type": ["string", "integer"] },
    "position": {
      "type": "object",
      "properties": {
        "x": { "type": "number" },
        "y": { "type": "number" }
      }
    },
    "loop": {
      "type": "object",
      "properties": {
        "label": { "type": ["string", "null"] },
        "condition": { "type": ["string", "null"] },
        "content": { "type": ["string", "null"] },
        "max_iterations": { "type": ["integer", "null"], "minimum": 0 }
      }
    },
    "condition": {
      "type": "object",
      "properties": {
        "label": { "type": ["string", "null"] },
        "content": { "type": ["string", "null"] }
      }
    },
    "parameters": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "title": { "type": "string" },
          "description": { "type": ["string", "null"] },
          "type": { "type": "string" }
        }
      }
    },
    "node": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "$ref": "#/$defs/key" },
        "label": { "type": "string" },
        "name": { "type": "string" },
        "position": { "$ref": "#/$defs/position" },
        "loop": { "oneOf": [{ "type": "null" }, { "$ref": "#/$defs/loop" }] },
        "subgraph": { "oneOf": [{ "type": "null" }, { "$ref": "#/$defs/graph" }] },
        "parameters": { "$ref": "#/$defs/parameters" }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "$ref": "#/$defs/key" },
        "target": { "$ref": "#/$defs/key" },
        "position": { "$ref": "#/$defs/position" },
        "data": {
          "type": "object",
          "properties": {
            "condition": { "oneOf": [{ "type": "null" }, { "type": "string" }, { "$ref": "#/$defs/condition" }] },
            "loop": { "oneOf": [{ "type": "null" }, { "$ref": "#/$defs/loop" }] }
          }
        }
      }
    },
    "graph": {
      "type": "object",
      "required": ["nodes"],
      "properties": {
        "name": { "type": "string" },
        "description": { "type": ["string", "null"] },
        "parameters": { "$ref": "#/$defs/parameters" },
        "nodes": { "type": "array", "items": { "$ref": "#/$defs/node" } },
        "edges": { "type": "array", "items": { "$ref": "#/$defs/edge" } }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal graph schema: %w", err)
			return
		}
		if err := c.AddResource(graphSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add graph schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile(graphSchemaURL)
	})
	return schema, schemaErr
}

// validateShape checks raw against the graph schema and returns the leaf
// violations, or nil when the document conforms.
func validateShape(raw []byte) ([]string, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return []string{fmt.Sprintf("/: invalid JSON: %v", err)}, nil
	}
	if err := sch.Validate(doc); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return []string{err.Error()}, nil
		}
		return collectViolations(verr), nil
	}
	return nil, nil
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
