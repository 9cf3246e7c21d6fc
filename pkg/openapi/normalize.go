// Package openapi turns OpenAPI 3.x documents (JSON or YAML) into the
// normalized tool projection. The raw document is not retained.
package openapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/toolgate/core/pkg/readmodel"
)

// ErrSpec marks an OpenAPI document the normalizer rejects.
var ErrSpec = errors.New("invalid OpenAPI document")

// Inventory is the result of normalizing one document.
type Inventory struct {
	// BaseURL is the first servers[] entry, used as the upstream call base.
	BaseURL string
	Tools   []readmodel.ToolDoc
}

// Normalize parses an OpenAPI 3.0/3.1 document and produces one ToolDoc per
// operation. Internal $ref is followed; external $ref is rejected. Unknown
// fields are ignored. Duplicate operation ids within the source are an
// ErrSpec.
func Normalize(specBytes []byte, sourceID string) (Inventory, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(specBytes)
	if err != nil {
		return Inventory{}, fmt.Errorf("%w: %v", ErrSpec, err)
	}
	if !strings.HasPrefix(doc.OpenAPI, "3.") {
		return Inventory{}, fmt.Errorf("%w: unsupported version %q", ErrSpec, doc.OpenAPI)
	}
	if doc.Paths == nil {
		return Inventory{}, fmt.Errorf("%w: document has no paths", ErrSpec)
	}

	inv := Inventory{}
	if len(doc.Servers) > 0 {
		inv.BaseURL = strings.TrimRight(doc.Servers[0].URL, "/")
	}

	seen := make(map[string]bool)
	paths := doc.Paths.Map()
	pathKeys := make([]string, 0, len(paths))
	for p := range paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	for _, path := range pathKeys {
		item := paths[path]
		if item == nil {
			continue
		}
		ops := item.Operations()
		methods := make([]string, 0, len(ops))
		for m := range ops {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, method := range methods {
			op := ops[method]
			tool, err := normalizeOperation(sourceID, method, path, item, op)
			if err != nil {
				return Inventory{}, err
			}
			if seen[tool.OperationID] {
				return Inventory{}, fmt.Errorf("%w: duplicate operation id %q", ErrSpec, tool.OperationID)
			}
			seen[tool.OperationID] = true
			inv.Tools = append(inv.Tools, tool)
		}
	}
	return inv, nil
}

func normalizeOperation(sourceID, method, path string, item *openapi3.PathItem, op *openapi3.Operation) (readmodel.ToolDoc, error) {
	operationID := op.OperationID
	if operationID == "" {
		operationID = fallbackOperationID(method, path)
	}

	tool := readmodel.ToolDoc{
		ToolID:       sourceID + "/" + operationID,
		SourceID:     sourceID,
		OperationID:  operationID,
		HTTPMethod:   strings.ToUpper(method),
		PathTemplate: path,
		Summary:      op.Summary,
		Tags:         op.Tags,
		Labels:       extensionLabels(op.Extensions),
		Enabled:      true,
	}

	// Path-level parameters apply to every operation unless overridden.
	params := make(map[string]readmodel.Parameter)
	for _, ref := range item.Parameters {
		if p, ok := normalizeParameter(ref); ok {
			params[p.In+":"+p.Name] = p
		}
	}
	for _, ref := range op.Parameters {
		if p, ok := normalizeParameter(ref); ok {
			params[p.In+":"+p.Name] = p
		}
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tool.Parameters = append(tool.Parameters, params[k])
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		if media := preferredMedia(op.RequestBody.Value.Content); media != nil && media.Schema != nil && media.Schema.Value != nil {
			raw, err := json.Marshal(media.Schema.Value)
			if err != nil {
				return readmodel.ToolDoc{}, fmt.Errorf("%w: request body schema: %v", ErrSpec, err)
			}
			tool.RequestBodySchema = raw
		}
	}

	if op.Responses != nil {
		for status, ref := range op.Responses.Map() {
			if ref == nil || ref.Value == nil {
				continue
			}
			media := preferredMedia(ref.Value.Content)
			if media == nil || media.Schema == nil || media.Schema.Value == nil {
				continue
			}
			raw, err := json.Marshal(media.Schema.Value)
			if err != nil {
				return readmodel.ToolDoc{}, fmt.Errorf("%w: response schema for %s: %v", ErrSpec, status, err)
			}
			if tool.ResponseSchemas == nil {
				tool.ResponseSchemas = make(map[string]json.RawMessage)
			}
			tool.ResponseSchemas[status] = raw
		}
	}

	return tool, nil
}

func normalizeParameter(ref *openapi3.ParameterRef) (readmodel.Parameter, bool) {
	if ref == nil || ref.Value == nil {
		return readmodel.Parameter{}, false
	}
	p := ref.Value
	switch p.In {
	case openapi3.ParameterInPath, openapi3.ParameterInQuery, openapi3.ParameterInHeader:
	default:
		return readmodel.Parameter{}, false // cookie parameters are not forwarded
	}
	return readmodel.Parameter{
		Name:     p.Name,
		In:       p.In,
		Type:     schemaType(p.Schema),
		Required: p.Required || p.In == openapi3.ParameterInPath,
	}, true
}

// preferredMedia picks application/json when present, otherwise the first
// media type with a schema.
func preferredMedia(content openapi3.Content) *openapi3.MediaType {
	if content == nil {
		return nil
	}
	if media := content.Get("application/json"); media != nil {
		return media
	}
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if content[k] != nil && content[k].Schema != nil {
			return content[k]
		}
	}
	return nil
}

func schemaType(ref *openapi3.SchemaRef) string {
	if ref == nil || ref.Value == nil || ref.Value.Type == nil {
		return ""
	}
	if slice := ref.Value.Type.Slice(); len(slice) > 0 {
		return slice[0]
	}
	return ""
}

// extensionLabels reads the x-labels extension (list of strings) if present.
func extensionLabels(ext map[string]any) []string {
	raw, ok := ext["x-labels"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var labels []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			labels = append(labels, s)
		}
	}
	return labels
}

// fallbackOperationID derives a deterministic name from the method and
// path: lower-cased, non-alphanumerics replaced by underscores.
func fallbackOperationID(method, path string) string {
	raw := strings.ToLower(method) + "_" + strings.Trim(path, "/")
	var b strings.Builder
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
