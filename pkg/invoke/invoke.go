// Package invoke executes tool calls: authorization, argument validation
// against the tool's synthesized schema, credential selection per the
// source's auth mode, and a single upstream HTTP attempt guarded by the
// source circuit breaker. Upstream 2xx-4xx pass through verbatim; 5xx and
// transport failures count against the breaker.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgate/core/pkg/breaker"
	"github.com/toolgate/core/pkg/exchange"
	"github.com/toolgate/core/pkg/identity"
	"github.com/toolgate/core/pkg/readmodel"
	"github.com/toolgate/core/pkg/resolver"
)

// Invocation failures the API layer maps to status codes.
var (
	// ErrDenied: the caller's policies do not grant the tool.
	ErrDenied = errors.New("tool not granted")
	// ErrNotFound: the tool or its source is gone or inactive.
	ErrNotFound = errors.New("tool not found")
)

// UpstreamError wraps a failed upstream attempt (5xx or transport error).
type UpstreamError struct {
	Status int // zero when the request never got a response
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream returned %d", e.Status)
	}
	return fmt.Sprintf("upstream unreachable: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ValidationError lists the argument constraints that failed.
type ValidationError struct {
	Causes []string
}

func (e *ValidationError) Error() string {
	return "invalid arguments: " + strings.Join(e.Causes, "; ")
}

// Request is one tool invocation.
type Request struct {
	ToolID    string
	Arguments map[string]any
	Token     string // raw bearer token of the caller
	Claims    identity.Claims
}

// Result is the upstream response, passed through to the caller.
type Result struct {
	UpstreamStatus int
	ContentType    string
	Body           []byte
}

// Invoker runs the invocation pipeline.
type Invoker struct {
	read        readmodel.Store
	resolver    *resolver.Resolver
	breakers    *breaker.Registry
	exchanger   *exchange.Exchanger
	client      *http.Client
	log         *slog.Logger
	tracer      trace.Tracer
	invocations metric.Int64Counter
}

// New creates an Invoker. exchanger may be nil when no source uses token
// exchange.
func New(read readmodel.Store, res *resolver.Resolver, breakers *breaker.Registry, exchanger *exchange.Exchanger, log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	invocations, _ := otel.Meter("toolgate/invoke").Int64Counter("toolgate.invocations",
		metric.WithDescription("Tool invocations by outcome"))
	return &Invoker{
		read:        read,
		resolver:    res,
		breakers:    breakers,
		exchanger:   exchanger,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
		tracer:      otel.Tracer("toolgate/invoke"),
		invocations: invocations,
	}
}

// WithClient overrides the upstream HTTP client, for tests.
func (inv *Invoker) WithClient(client *http.Client) *Invoker {
	inv.client = client
	return inv
}

// Invoke runs the full pipeline for one request.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (Result, error) {
	result, err := inv.invoke(ctx, req)
	inv.invocations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcomeOf(err))))
	return result, err
}

func (inv *Invoker) invoke(ctx context.Context, req Request) (Result, error) {
	ctx, span := inv.tracer.Start(ctx, "invoke",
		trace.WithAttributes(attribute.String("tool_id", req.ToolID)))
	defer span.End()

	tool, source, err := inv.authorize(ctx, req)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	if err := inv.validate(ctx, tool, req.Arguments); err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	token, err := inv.credential(ctx, source, req.Token)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	result, err := inv.execute(ctx, tool, source, token, req.Arguments)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("upstream_status", result.UpstreamStatus))
	return result, nil
}

func (inv *Invoker) authorize(ctx context.Context, req Request) (readmodel.ToolDoc, readmodel.SourceDoc, error) {
	ctx, span := inv.tracer.Start(ctx, "invoke.authorize")
	defer span.End()

	tool, ok, err := inv.resolver.Authorize(ctx, req.Claims, req.ToolID)
	if err != nil {
		return readmodel.ToolDoc{}, readmodel.SourceDoc{}, err
	}
	if !ok {
		return readmodel.ToolDoc{}, readmodel.SourceDoc{}, fmt.Errorf("%w: %s", ErrDenied, req.ToolID)
	}

	source, err := inv.read.GetSource(ctx, tool.SourceID)
	if err != nil {
		if errors.Is(err, readmodel.ErrNotFound) {
			return readmodel.ToolDoc{}, readmodel.SourceDoc{}, fmt.Errorf("%w: source %s", ErrNotFound, tool.SourceID)
		}
		return readmodel.ToolDoc{}, readmodel.SourceDoc{}, fmt.Errorf("%w: %v", resolver.ErrTransient, err)
	}
	if source.Status != readmodel.SourceActive {
		return readmodel.ToolDoc{}, readmodel.SourceDoc{}, fmt.Errorf("%w: source %s is %s", ErrNotFound, source.ID, source.Status)
	}
	return tool, source, nil
}

func (inv *Invoker) validate(ctx context.Context, tool readmodel.ToolDoc, args map[string]any) error {
	_, span := inv.tracer.Start(ctx, "invoke.validate")
	defer span.End()

	schema, err := ArgumentSchema(tool)
	if err != nil {
		return fmt.Errorf("compile argument schema for %s: %w", tool.ToolID, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so numbers and nested maps take their
	// canonical decoded form.
	raw, err := json.Marshal(args)
	if err != nil {
		return &ValidationError{Causes: []string{"arguments are not json-encodable"}}
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return &ValidationError{Causes: []string{"arguments are not json-encodable"}}
	}
	if err := schema.Validate(value); err != nil {
		return &ValidationError{Causes: validationCauses(err)}
	}
	return nil
}

func (inv *Invoker) credential(ctx context.Context, source readmodel.SourceDoc, callerToken string) (string, error) {
	ctx, span := inv.tracer.Start(ctx, "invoke.credential",
		trace.WithAttributes(attribute.String("auth_mode", source.AuthMode)))
	defer span.End()

	switch source.AuthMode {
	case readmodel.AuthNone:
		return "", nil
	case readmodel.AuthBearerPassthrough:
		return callerToken, nil
	case readmodel.AuthTokenExchange:
		// No audience to exchange for: the subject token is forwarded
		// verbatim (pass-through mode).
		if source.DefaultAudience == "" {
			return callerToken, nil
		}
		if inv.exchanger == nil {
			return "", fmt.Errorf("%w: token exchange not configured", exchange.ErrRejected)
		}
		return inv.exchanger.Exchange(ctx, callerToken, source.DefaultAudience, nil)
	}
	return "", fmt.Errorf("unknown auth mode %q", source.AuthMode)
}

func (inv *Invoker) execute(ctx context.Context, tool readmodel.ToolDoc, source readmodel.SourceDoc, token string, args map[string]any) (Result, error) {
	ctx, span := inv.tracer.Start(ctx, "invoke.execute",
		trace.WithAttributes(
			attribute.String("http.method", tool.HTTPMethod),
			attribute.String("source_id", source.ID)))
	defer span.End()

	circuit := inv.breakers.ForSource(source.ID)
	if err := circuit.Allow(); err != nil {
		return Result{}, err
	}

	httpReq, err := inv.buildRequest(ctx, tool, source, token, args)
	if err != nil {
		return Result{}, err
	}

	resp, err := inv.client.Do(httpReq)
	if err != nil {
		circuit.RecordFailure()
		return Result{}, &UpstreamError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		circuit.RecordFailure()
		return Result{}, &UpstreamError{Err: err}
	}

	if resp.StatusCode >= 500 {
		circuit.RecordFailure()
		return Result{}, &UpstreamError{Status: resp.StatusCode}
	}
	circuit.RecordSuccess()

	return Result{
		UpstreamStatus: resp.StatusCode,
		ContentType:    resp.Header.Get("Content-Type"),
		Body:           body,
	}, nil
}

// buildRequest binds arguments: path parameters substitute into the
// template, query parameters append to the URL, header parameters become
// headers, and the "body" argument is the JSON request body.
func (inv *Invoker) buildRequest(ctx context.Context, tool readmodel.ToolDoc, source readmodel.SourceDoc, token string, args map[string]any) (*http.Request, error) {
	path := tool.PathTemplate
	query := url.Values{}
	headers := map[string]string{}

	for _, param := range tool.Parameters {
		value, ok := args[param.Name]
		if !ok {
			continue
		}
		text := argText(value)
		switch param.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+param.Name+"}", url.PathEscape(text))
		case "query":
			if list, ok := value.([]any); ok {
				for _, item := range list {
					query.Add(param.Name, argText(item))
				}
			} else {
				query.Set(param.Name, text)
			}
		case "header":
			headers[param.Name] = text
		}
	}

	target := strings.TrimSuffix(source.BaseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var body io.Reader
	if raw, ok := args["body"]; ok && tool.RequestBodySchema != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, &ValidationError{Causes: []string{"body is not json-encodable"}}
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, tool.HTTPMethod, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// outcomeOf labels the invocation result for the outcome counter.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDenied):
		return "denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, breaker.ErrOpen):
		return "circuit_open"
	case errors.Is(err, exchange.ErrRejected):
		return "exchange_rejected"
	case errors.Is(err, resolver.ErrTransient), errors.Is(err, exchange.ErrTransient):
		return "transient"
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return "invalid_arguments"
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return "upstream_error"
	}
	return "error"
}

func argText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		raw, _ := json.Marshal(v)
		return string(raw)
	}
}
