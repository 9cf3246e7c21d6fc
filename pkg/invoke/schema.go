package invoke

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/toolgate/core/pkg/readmodel"
)

var (
	schemaMu    sync.Mutex
	schemaCache = map[string]*jsonschema.Schema{}
)

// ArgumentSchema synthesizes and compiles the argument schema of a tool:
// one object with every operation parameter as a property, the request
// body (when the operation takes one) under "body", required path and
// required-flagged parameters enforced, and unknown arguments rejected.
// Compiled schemas are cached per tool revision.
func ArgumentSchema(tool readmodel.ToolDoc) (*jsonschema.Schema, error) {
	key := fmt.Sprintf("%s@%d", tool.ToolID, tool.StateVersion)
	schemaMu.Lock()
	cached, ok := schemaCache[key]
	schemaMu.Unlock()
	if ok {
		return cached, nil
	}

	raw, err := buildSchema(tool)
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://toolgate.schemas.local/tools/%s.schema.json", tool.ToolID)
	if err := c.AddResource(schemaURL, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("load argument schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile argument schema: %w", err)
	}

	schemaMu.Lock()
	schemaCache[key] = compiled
	schemaMu.Unlock()
	return compiled, nil
}

func buildSchema(tool readmodel.ToolDoc) (json.RawMessage, error) {
	properties := map[string]json.RawMessage{}
	var required []string

	for _, param := range tool.Parameters {
		if param.Type != "" {
			properties[param.Name] = json.RawMessage(fmt.Sprintf(`{"type":%q}`, param.Type))
		} else {
			properties[param.Name] = json.RawMessage(`{}`)
		}
		if param.Required {
			required = append(required, param.Name)
		}
	}
	if tool.RequestBodySchema != nil {
		properties["body"] = tool.RequestBodySchema
	}

	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return json.Marshal(doc)
}

// validationCauses flattens a jsonschema validation error into the leaf
// messages shown to the caller.
func validationCauses(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var causes []string
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			location := strings.TrimPrefix(v.InstanceLocation, "/")
			if location == "" {
				location = "arguments"
			}
			causes = append(causes, location+": "+v.Message)
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return causes
}
