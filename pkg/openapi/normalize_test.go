package openapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pizzeriaJSON = `{
  "openapi": "3.0.2",
  "info": {"title": "Pizzeria", "version": "1.0"},
  "servers": [{"url": "http://pizzeria:8000/"}],
  "components": {
    "schemas": {
      "Order": {
        "type": "object",
        "required": ["item"],
        "properties": {
          "item": {"type": "string"},
          "quantity": {"type": "integer"}
        }
      }
    }
  },
  "paths": {
    "/api/menu": {
      "get": {
        "operationId": "get_menu_items_api_menu_get",
        "summary": "List menu items",
        "tags": ["menu"],
        "parameters": [
          {"name": "category", "in": "query", "schema": {"type": "string"}}
        ],
        "responses": {
          "200": {
            "description": "ok",
            "content": {"application/json": {"schema": {"type": "array", "items": {"type": "string"}}}}
          }
        }
      }
    },
    "/api/orders/{order_id}": {
      "parameters": [
        {"name": "order_id", "in": "path", "required": true, "schema": {"type": "string"}}
      ],
      "get": {
        "operationId": "get_order",
        "tags": ["orders"],
        "responses": {"200": {"description": "ok"}}
      },
      "delete": {
        "responses": {"204": {"description": "gone"}}
      }
    },
    "/api/orders": {
      "post": {
        "operationId": "create_order",
        "x-labels": ["write"],
        "requestBody": {
          "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Order"}}}
        },
        "responses": {"201": {"description": "created"}}
      }
    }
  }
}`

func TestNormalizeJSON(t *testing.T) {
	inv, err := Normalize([]byte(pizzeriaJSON), "S1")
	require.NoError(t, err)

	assert.Equal(t, "http://pizzeria:8000", inv.BaseURL)
	require.Len(t, inv.Tools, 4)

	byID := map[string]int{}
	for i, tool := range inv.Tools {
		byID[tool.OperationID] = i
	}

	menu := inv.Tools[byID["get_menu_items_api_menu_get"]]
	assert.Equal(t, "S1/get_menu_items_api_menu_get", menu.ToolID)
	assert.Equal(t, "GET", menu.HTTPMethod)
	assert.Equal(t, "/api/menu", menu.PathTemplate)
	assert.Equal(t, []string{"menu"}, menu.Tags)
	assert.Equal(t, "List menu items", menu.Summary)
	require.Len(t, menu.Parameters, 1)
	assert.Equal(t, "category", menu.Parameters[0].Name)
	assert.Equal(t, "query", menu.Parameters[0].In)
	assert.Equal(t, "string", menu.Parameters[0].Type)
	assert.False(t, menu.Parameters[0].Required)
	assert.Contains(t, menu.ResponseSchemas, "200")
	assert.True(t, menu.Enabled)

	// Path-level parameter inherited; path params are always required.
	order := inv.Tools[byID["get_order"]]
	require.Len(t, order.Parameters, 1)
	assert.Equal(t, "order_id", order.Parameters[0].Name)
	assert.Equal(t, "path", order.Parameters[0].In)
	assert.True(t, order.Parameters[0].Required)

	// Missing operationId gets the deterministic fallback name.
	fallback, ok := byID["delete_api_orders__order_id_"]
	require.True(t, ok, "fallback id missing; got %v", byID)
	assert.Equal(t, "DELETE", inv.Tools[fallback].HTTPMethod)
	assert.Equal(t, "/api/orders/{order_id}", inv.Tools[fallback].PathTemplate)

	// $ref resolved into the body schema; x-labels captured.
	create := inv.Tools[byID["create_order"]]
	require.NotNil(t, create.RequestBodySchema)
	assert.Contains(t, string(create.RequestBodySchema), `"item"`)
	assert.Equal(t, []string{"write"}, create.Labels)
}

const inventoryYAML = `
openapi: 3.1.0
info:
  title: Warehouse
  version: "2.0"
servers:
  - url: https://warehouse.internal/v2
paths:
  /stock/{sku}:
    get:
      operationId: get_stock
      parameters:
        - name: sku
          in: path
          required: true
          schema:
            type: string
      responses:
        "200":
          description: ok
`

func TestNormalizeYAML31(t *testing.T) {
	inv, err := Normalize([]byte(inventoryYAML), "W1")
	require.NoError(t, err)
	assert.Equal(t, "https://warehouse.internal/v2", inv.BaseURL)
	require.Len(t, inv.Tools, 1)
	assert.Equal(t, "W1/get_stock", inv.Tools[0].ToolID)
	assert.Equal(t, "/stock/{sku}", inv.Tools[0].PathTemplate)
}

func TestNormalizeDuplicateOperationID(t *testing.T) {
	spec := `{
  "openapi": "3.0.0",
  "info": {"title": "x", "version": "1"},
  "paths": {
    "/a": {"get": {"operationId": "dup", "responses": {"200": {"description": "ok"}}}},
    "/b": {"get": {"operationId": "dup", "responses": {"200": {"description": "ok"}}}}
  }
}`
	_, err := Normalize([]byte(spec), "S1")
	assert.ErrorIs(t, err, ErrSpec)
}

func TestNormalizeExternalRefRejected(t *testing.T) {
	spec := `{
  "openapi": "3.0.0",
  "info": {"title": "x", "version": "1"},
  "paths": {
    "/a": {
      "post": {
        "requestBody": {"content": {"application/json": {"schema": {"$ref": "https://evil.example/schema.json#/Thing"}}}},
        "responses": {"200": {"description": "ok"}}
      }
    }
  }
}`
	_, err := Normalize([]byte(spec), "S1")
	assert.ErrorIs(t, err, ErrSpec)
}

func TestNormalizeGarbageRejected(t *testing.T) {
	_, err := Normalize([]byte("not a spec at all {{{"), "S1")
	assert.ErrorIs(t, err, ErrSpec)
}

func TestFallbackOperationID(t *testing.T) {
	assert.Equal(t, "get_api_menu", fallbackOperationID("GET", "/api/menu"))
	assert.Equal(t, "delete_api_orders__order_id_", fallbackOperationID("DELETE", "/api/orders/{order_id}"))
	assert.Equal(t, "post_", fallbackOperationID("POST", "/"))
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"openapi":"3.0.0"}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	body, err := f.Fetch(t.Context(), srv.URL+"/openapi.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"openapi":"3.0.0"}`, string(body))

	_, err = f.Fetch(t.Context(), srv.URL+"/missing")
	assert.Error(t, err)
}
