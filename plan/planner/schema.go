package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/mesh/faults"
)

// Model output is untrusted: every completion is schema-validated before it
// is decoded into plan types. Schemas are compiled once at package init.

const workItemsSchema = `{
  "type": "object",
  "required": ["workItems"],
  "properties": {
    "workItems": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "owner"],
        "properties": {
          "id": {"type": "string", "pattern": "^wi-[0-9]{3}$"},
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "owner": {"type": "string", "minLength": 1},
          "dependencyIds": {"type": "array", "items": {"type": "string"}},
          "successCriteria": {"type": "string"},
          "estimatedComplexity": {"type": "string"},
          "priority": {"type": "string", "enum": ["critical", "high", "medium", "low"]}
        }
      }
    },
    "blockers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "description"],
        "properties": {
          "id": {"type": "string"},
          "description": {"type": "string"},
          "blocksWorkItemIds": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

const summarySchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string", "minLength": 1}
  }
}`

const phaseSchema = `{
  "type": "object",
  "required": ["phase"],
  "properties": {
    "phase": {"type": "string", "enum": ["planning", "execution", "recovery", "complete"]},
    "strategyPivots": {"type": "array", "items": {"type": "string"}}
  }
}`

const assignmentsSchema = `{
  "type": "object",
  "required": ["assignments"],
  "properties": {
    "assignments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["workItemId", "agentId", "capability"],
        "properties": {
          "workItemId": {"type": "string"},
          "agentId": {"type": "string"},
          "capability": {"type": "string"},
          "rationale": {"type": "string"}
        }
      }
    },
    "unassignableIds": {"type": "array", "items": {"type": "string"}},
    "planRationale": {"type": "string"}
  }
}`

const replanSchema = `{
  "type": "object",
  "required": ["summary", "workItems"],
  "properties": {
    "summary": {"type": "string"},
    "workItems": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title"],
        "properties": {
          "id": {"type": "string"},
          "title": {"type": "string"},
          "description": {"type": "string"},
          "status": {"type": "string", "enum": ["pending", "in_progress", "completed", "blocked", "cancelled", "failed"]},
          "owner": {"type": "string"},
          "dependencyIds": {"type": "array", "items": {"type": "string"}},
          "successCriteria": {"type": "string"},
          "priority": {"type": "string", "enum": ["critical", "high", "medium", "low"]}
        }
      }
    },
    "blockers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "description"],
        "properties": {
          "id": {"type": "string"},
          "description": {"type": "string"},
          "blocksWorkItemIds": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "phase": {"type": "string", "enum": ["planning", "execution", "recovery", "complete"]},
    "strategyPivots": {"type": "array", "items": {"type": "string"}}
  }
}`

var schemas = map[string]*jsonschema.Schema{}

func init() {
	for name, doc := range map[string]string{
		"workItems":   workItemsSchema,
		"summary":     summarySchema,
		"phase":       phaseSchema,
		"assignments": assignmentsSchema,
		"replan":      replanSchema,
	} {
		c := jsonschema.NewCompiler()
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			panic(fmt.Sprintf("parse %s schema: %v", name, err))
		}
		if err := c.AddResource(name+".json", parsed); err != nil {
			panic(fmt.Sprintf("add %s schema: %v", name, err))
		}
		compiled, err := c.Compile(name + ".json")
		if err != nil {
			panic(fmt.Sprintf("compile %s schema: %v", name, err))
		}
		schemas[name] = compiled
	}
}

// decodeValidated strips code fences, validates content against the named
// schema, and decodes it into out.
func decodeValidated(schema, content string, out any) error {
	raw := stripFences(content)
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return faults.New(faults.KindHandlerFault, "model output is not JSON: %v", err)
	}
	if err := schemas[schema].Validate(doc); err != nil {
		return faults.Wrap(faults.KindHandlerFault, err, "model output failed %s schema", schema)
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(out); err != nil {
		return faults.Wrap(faults.KindHandlerFault, err, "decode %s output", schema)
	}
	return nil
}

// stripFences removes a surrounding markdown code fence, which models emit
// even when told not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
