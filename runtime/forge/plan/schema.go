package plan

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// blueprintSchema constrains UI blueprints supplied from outside the
// generator (replan payloads, stored plans). Generator output satisfies it
// by construction.
const blueprintSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["intent", "routes", "acceptanceGates"],
  "properties": {
    "intent": {"type": "string", "minLength": 1},
    "modules": {"type": "array", "items": {"type": "string"}},
    "routes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "path", "role"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "path": {"type": "string", "minLength": 1},
          "role": {"type": "string", "minLength": 1}
        }
      }
    },
    "interactions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "requirement"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "requirement": {"type": "string", "minLength": 1},
          "mandatory": {"type": "boolean"}
        }
      }
    },
    "states": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "description"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "mandatory": {"type": "boolean"}
        }
      }
    },
    "forms": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "fields"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "fields": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["name", "type"],
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "type": {"enum": ["text", "number", "select", "textarea", "date"]},
                "required": {"type": "boolean"}
              }
            }
          },
          "validation": {"type": "string"}
        }
      }
    },
    "acceptanceGates": {
      "type": "object",
      "required": ["minViewCount", "minDataSurfaceCount", "minFormFlowCount"],
      "properties": {
        "minViewCount": {"type": "integer", "minimum": 1},
        "minDataSurfaceCount": {"type": "integer", "minimum": 0},
        "minFormFlowCount": {"type": "integer", "minimum": 0},
        "requireValidationFeedback": {"type": "boolean"},
        "requireExplicitStateTransitions": {"type": "boolean"}
      }
    }
  }
}`

var (
	compileOnce     sync.Once
	compiledSchema  *jsonschema.Schema
	compileSchemaEr error
)

func compiledBlueprintSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(blueprintSchema), &doc); err != nil {
			compileSchemaEr = fmt.Errorf("unmarshal blueprint schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("blueprint.json", doc); err != nil {
			compileSchemaEr = fmt.Errorf("add blueprint schema resource: %w", err)
			return
		}
		compiledSchema, compileSchemaEr = c.Compile("blueprint.json")
	})
	return compiledSchema, compileSchemaEr
}

// ValidateBlueprintJSON validates raw blueprint JSON against the blueprint
// schema. Use it before trusting blueprints from replan payloads or storage.
func ValidateBlueprintJSON(raw []byte) error {
	schema, err := compiledBlueprintSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal blueprint: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid blueprint: %w", err)
	}
	return nil
}

// ValidateBlueprint validates a typed blueprint by round-tripping it through
// the schema.
func ValidateBlueprint(bp *UIBlueprint) error {
	raw, err := json.Marshal(bp)
	if err != nil {
		return fmt.Errorf("marshal blueprint: %w", err)
	}
	return ValidateBlueprintJSON(raw)
}
