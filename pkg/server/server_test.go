package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/core/pkg/breaker"
	"github.com/toolgate/core/pkg/domain"
	"github.com/toolgate/core/pkg/identity"
	"github.com/toolgate/core/pkg/invoke"
	"github.com/toolgate/core/pkg/journal"
	"github.com/toolgate/core/pkg/openapi"
	"github.com/toolgate/core/pkg/projection"
	"github.com/toolgate/core/pkg/readmodel"
	"github.com/toolgate/core/pkg/resolver"
	"github.com/toolgate/core/pkg/sse"
)

// fakeVerifier maps fixed bearer tokens onto claim sets, standing in for
// the JWKS-backed verifier.
type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, token string) (identity.Claims, error) {
	switch token {
	case "admin-token":
		return identity.Claims{
			"sub":   "ops",
			"roles": []any{"toolgate-admin", "customer"},
		}, nil
	case "customer-token":
		return identity.Claims{
			"sub":          "alice",
			"realm_access": map[string]any{"roles": []any{"customer"}},
		}, nil
	case "stranger-token":
		return identity.Claims{"sub": "mallory"}, nil
	case "expired-token":
		return nil, identity.ErrExpired
	}
	return nil, identity.ErrInvalid
}

type harness struct {
	api      *httptest.Server
	journal  journal.Store
	read     readmodel.Store
	breakers *breaker.Registry
	cancel   context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	j := journal.NewMemoryStore()
	read := readmodel.NewMemoryStore()

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: 5,
		RollingWindow:    time.Minute,
		RecoveryTimeout:  30 * time.Second,
	})
	breakers.OnTransition(domain.NewBreakerEmitter(j, nil))

	commands := domain.NewHandler(j, read, openapi.NewHTTPFetcher())
	res := resolver.New(read, 50*time.Millisecond, nil)
	invoker := invoke.New(read, res, breakers, nil, nil)
	projector := projection.New(j, read, nil)
	hub := sse.NewHub(j, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = projector.Run(ctx) }()
	go func() { _ = hub.Run(ctx, 0) }()

	srv := New(Deps{
		Commands:  commands,
		Read:      read,
		Resolver:  res,
		Invoker:   invoker,
		Breakers:  breakers,
		Hub:       hub,
		Verifier:  fakeVerifier{},
		Projector: projector,
	})
	api := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		api.Close()
		cancel()
	})
	return &harness{api: api, journal: j, read: read, breakers: breakers, cancel: cancel}
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, h.api.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// waitProjected polls until the read model reflects the journal.
func waitProjected(t *testing.T, check func() bool) {
	t.Helper()
	require.Eventually(t, check, 2*time.Second, 10*time.Millisecond)
}

const menuSpec = `{
	"openapi": "3.0.3",
	"info": {"title": "Pizzeria", "version": "1"},
	"servers": [{"url": "%s"}],
	"paths": {
		"/api/menu": {
			"get": {
				"operationId": "get_menu_items_api_menu_get",
				"summary": "List menu items",
				"tags": ["menu"],
				"responses": {"200": {"description": "ok"}}
			}
		},
		"/api/orders": {
			"post": {
				"operationId": "create_order",
				"tags": ["orders"],
				"requestBody": {
					"content": {"application/json": {"schema": {
						"type": "object",
						"required": ["item"],
						"properties": {"item": {"type": "string"}}
					}}}
				},
				"responses": {"201": {"description": "created"}}
			}
		}
	}
}`

// registerSource stands up an upstream that serves both the OpenAPI
// document and the API itself, registers it, and refreshes the inventory.
func (h *harness) registerSource(t *testing.T, upstream http.HandlerFunc) string {
	t.Helper()
	var specURL string
	svc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/openapi.json" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, menuSpec, specURL)
			return
		}
		upstream(w, r)
	}))
	t.Cleanup(svc.Close)
	specURL = svc.URL

	resp := h.do(t, http.MethodPost, "/api/sources", "admin-token", map[string]any{
		"name":     "Pizzeria",
		"spec_url": svc.URL + "/openapi.json",
		// No audience configured: the caller's token passes through.
		"auth_mode": readmodel.AuthBearerPassthrough,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sourceID := decodeBody[map[string]string](t, resp)["id"]
	require.NotEmpty(t, sourceID)

	resp = h.do(t, http.MethodPost, "/api/sources/"+sourceID+"/refresh", "admin-token", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, int(decodeBody[map[string]float64](t, resp)["inventory_version"]))

	waitProjected(t, func() bool {
		_, total, err := h.read.ListTools(context.Background(), readmodel.ToolFilter{SourceID: sourceID})
		return err == nil && total == 2
	})
	return sourceID
}

func TestRegisterRefreshAndListTools(t *testing.T) {
	h := newHarness(t)
	sourceID := h.registerSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	resp := h.do(t, http.MethodGet, "/api/tools?source_id="+sourceID, "customer-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Items []readmodel.ToolDoc `json:"items"`
		Total int                 `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.Equal(t, 2, listing.Total)

	ids := make(map[string]string, len(listing.Items))
	for _, tool := range listing.Items {
		ids[tool.OperationID] = tool.HTTPMethod
	}
	assert.Equal(t, "GET", ids["get_menu_items_api_menu_get"])
	assert.Equal(t, "POST", ids["create_order"])
}

// grantCustomers wires policy → group → source so any caller with the
// customer role sees every tool of the source.
func (h *harness) grantCustomers(t *testing.T, sourceID string) {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/tool-groups", "admin-token", map[string]any{
		"name":      "customer tools",
		"selectors": []map[string]string{{"kind": "source", "pattern": sourceID}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	groupID := decodeBody[map[string]string](t, resp)["id"]

	resp = h.do(t, http.MethodPost, "/api/tool-groups/"+groupID+"/activate", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/api/policies", "admin-token", map[string]any{
		"name": "customers",
		"matchers": []map[string]any{
			{"claim_path": "realm_access.roles", "op": "contains", "value": "customer"},
		},
		"group_ids": []string{groupID},
		"priority":  10,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	policyID := decodeBody[map[string]string](t, resp)["id"]

	resp = h.do(t, http.MethodPost, "/api/policies/"+policyID+"/activate", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	waitProjected(t, func() bool {
		policies, _, err := h.read.ListPolicies(context.Background(), true, readmodel.Page{})
		return err == nil && len(policies) == 1
	})
}

func TestAgentToolResolution(t *testing.T) {
	h := newHarness(t)
	sourceID := h.registerSource(t, func(w http.ResponseWriter, _ *http.Request) {})
	h.grantCustomers(t, sourceID)

	resp := h.do(t, http.MethodGet, "/api/agent/tools", "customer-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var granted struct {
		Tools []readmodel.ToolDoc `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&granted))
	assert.Len(t, granted.Tools, 2)

	// A caller without the customer role resolves to nothing.
	resp = h.do(t, http.MethodGet, "/api/agent/tools", "stranger-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&granted))
	assert.Empty(t, granted.Tools)
}

func TestExecutePassesThroughUpstream(t *testing.T) {
	h := newHarness(t)
	var gotAuth string
	sourceID := h.registerSource(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":["margherita"]}`))
	})
	h.grantCustomers(t, sourceID)

	resp := h.do(t, http.MethodPost,
		"/api/tools/"+sourceID+"/get_menu_items_api_menu_get/execute",
		"customer-token", map[string]any{"arguments": map[string]any{}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "200", resp.Header.Get("X-Upstream-Status"))
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, []any{"margherita"}, body["items"])
	assert.Equal(t, "Bearer customer-token", gotAuth, "pass-through forwards the caller token verbatim")
}

func TestExecuteDeniedWithoutGrant(t *testing.T) {
	h := newHarness(t)
	sourceID := h.registerSource(t, func(w http.ResponseWriter, _ *http.Request) {})

	resp := h.do(t, http.MethodPost,
		"/api/tools/"+sourceID+"/get_menu_items_api_menu_get/execute",
		"customer-token", map[string]any{"arguments": map[string]any{}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestExpiredTokenChallenge(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/api/tools", "expired-token", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t,
		`Bearer error="invalid_token", error_description="token expired"`,
		resp.Header.Get("WWW-Authenticate"))
}

func TestAdminRouteRejectsNonAdmin(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/api/sources", "customer-token", map[string]any{
		"name": "x", "spec_url": "http://unused.test", "auth_mode": "none",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBreakerOpensAndRejectsWithRetryAfter(t *testing.T) {
	h := newHarness(t)
	sourceID := h.registerSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	h.grantCustomers(t, sourceID)

	path := "/api/tools/" + sourceID + "/get_menu_items_api_menu_get/execute"
	for i := 0; i < 5; i++ {
		resp := h.do(t, http.MethodPost, path, "customer-token", map[string]any{"arguments": map[string]any{}})
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}

	resp := h.do(t, http.MethodPost, path, "customer-token", map[string]any{"arguments": map[string]any{}})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// The open circuit shows on the admin listing and resets on request.
	resp = h.do(t, http.MethodGet, "/api/admin/circuit-breakers", "admin-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	views := decodeBody[[]breakerView](t, resp)
	require.Len(t, views, 1)
	assert.Equal(t, breaker.Open, views[0].State)
	assert.Equal(t, sourceID, views[0].SourceID)

	resp = h.do(t, http.MethodPost, "/api/admin/circuit-breakers/reset", "admin-token",
		map[string]string{"id": views[0].CircuitID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, breaker.Closed, h.breakers.ForSource(sourceID).Snapshot().State)
}

func TestAdminSSEStreamsBreakerEvents(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodGet, h.api.URL+"/api/admin/sse", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer admin-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Trip a source breaker; the transition must arrive on the stream.
	go func() {
		time.Sleep(50 * time.Millisecond)
		circuit := h.breakers.ForSource("S-demo")
		for i := 0; i < 5; i++ {
			circuit.RecordFailure()
		}
	}()

	deadline := time.After(3 * time.Second)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-deadline:
			t.Fatal("no circuit_breaker.opened event on the admin stream")
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			if line == "event: circuit_breaker.opened" {
				return
			}
		}
	}
}

func TestUnregisterRemovesTools(t *testing.T) {
	h := newHarness(t)
	sourceID := h.registerSource(t, func(w http.ResponseWriter, _ *http.Request) {})

	resp := h.do(t, http.MethodDelete, "/api/sources/"+sourceID, "admin-token", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	waitProjected(t, func() bool {
		_, total, err := h.read.ListTools(context.Background(), readmodel.ToolFilter{SourceID: sourceID})
		return err == nil && total == 0
	})

	resp = h.do(t, http.MethodGet, "/api/tools?source_id="+sourceID, "customer-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.Zero(t, listing.Total)
}

func TestDisableToolHidesItFromAgents(t *testing.T) {
	h := newHarness(t)
	sourceID := h.registerSource(t, func(w http.ResponseWriter, _ *http.Request) {})
	h.grantCustomers(t, sourceID)

	resp := h.do(t, http.MethodPost,
		"/api/tools/"+sourceID+"/create_order/disable", "admin-token", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	waitProjected(t, func() bool {
		tool, err := h.read.GetTool(context.Background(), sourceID+"/create_order")
		return err == nil && !tool.Enabled
	})

	resp = h.do(t, http.MethodGet, "/api/agent/tools", "customer-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var granted struct {
		Tools []readmodel.ToolDoc `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&granted))
	require.Len(t, granted.Tools, 1)
	assert.Equal(t, sourceID+"/get_menu_items_api_menu_get", granted.Tools[0].ToolID)
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/api/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = h.do(t, http.MethodGet, "/api/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
