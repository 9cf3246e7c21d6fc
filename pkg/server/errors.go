package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/toolgate/core/pkg/api"
	"github.com/toolgate/core/pkg/breaker"
	"github.com/toolgate/core/pkg/domain"
	"github.com/toolgate/core/pkg/exchange"
	"github.com/toolgate/core/pkg/invoke"
	"github.com/toolgate/core/pkg/journal"
	"github.com/toolgate/core/pkg/openapi"
	"github.com/toolgate/core/pkg/readmodel"
	"github.com/toolgate/core/pkg/resolver"
)

// writeError maps a failure from the domain or the pipeline onto the wire.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var openErr *breaker.OpenError
	var upstreamErr *invoke.UpstreamError
	var validationErr *invoke.ValidationError

	switch {
	case errors.As(err, &validationErr):
		fields := make([]api.FieldError, 0, len(validationErr.Causes))
		for _, cause := range validationErr.Causes {
			fields = append(fields, api.FieldError{Field: "arguments", Reason: cause})
		}
		api.WriteValidation(w, fields)

	case errors.Is(err, domain.ErrRule):
		api.WriteErrorDetail(w, http.StatusBadRequest, "validation", err.Error(), nil)

	case errors.Is(err, invoke.ErrDenied):
		api.WriteForbidden(w, err.Error())

	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, invoke.ErrNotFound),
		errors.Is(err, readmodel.ErrNotFound):
		api.WriteNotFound(w, err.Error())

	case errors.As(err, &openErr):
		retryAfter := int(openErr.RetryAfter / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		api.WriteCircuitOpen(w, retryAfter)

	case errors.Is(err, breaker.ErrOpen):
		api.WriteCircuitOpen(w, 1)

	case errors.Is(err, journal.ErrConcurrency):
		api.WriteConflict(w, "concurrent modification, retry the request")

	case errors.Is(err, openapi.ErrSpec):
		api.WriteSpec(w, err.Error())

	case errors.Is(err, domain.ErrFetch):
		api.WriteSpec(w, err.Error())

	case errors.As(err, &upstreamErr), errors.Is(err, exchange.ErrRejected):
		api.WriteUpstream(w, err.Error())

	case errors.Is(err, resolver.ErrTransient), errors.Is(err, exchange.ErrTransient):
		api.WriteTransient(w, 5)

	default:
		api.WriteInternal(w, err)
	}
}
