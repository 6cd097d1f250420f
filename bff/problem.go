package bff

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"

	"smartbff/httpx"
	"smartbff/upstream"
)

const problemContentType = "application/problem+json"

var problemTypes = map[int]string{
	http.StatusBadRequest:          "https://tools.ietf.org/html/rfc9110#section-15.5.1",
	http.StatusUnauthorized:        "https://tools.ietf.org/html/rfc9110#section-15.5.2",
	http.StatusNotFound:            "https://tools.ietf.org/html/rfc9110#section-15.5.5",
	http.StatusUnprocessableEntity: "https://tools.ietf.org/html/rfc9110#section-15.5.21",
	http.StatusTooManyRequests:     "https://tools.ietf.org/html/rfc6585#section-4",
	http.StatusInternalServerError: "https://tools.ietf.org/html/rfc9110#section-15.6.1",
	http.StatusBadGateway:          "https://tools.ietf.org/html/rfc9110#section-15.6.3",
}

// Problem is an RFC 7807 problem details response. It doubles as the error
// value returned by the flow coordinators.
type Problem struct {
	Type       string
	Title      string
	Status     int
	Detail     string
	Extensions map[string]any
	// Err is the underlying cause. It is logged, never serialized.
	Err error
}

func (p *Problem) Error() string {
	if p.Err != nil {
		return p.Detail + ": " + p.Err.Error()
	}
	return p.Detail
}

func (p *Problem) Unwrap() error {
	return p.Err
}

// MarshalJSON flattens extension members next to the standard ones.
func (p *Problem) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extensions)+4)
	maps.Copy(out, p.Extensions)
	out["type"] = p.Type
	out["title"] = p.Title
	out["status"] = p.Status
	if p.Detail != "" {
		out["detail"] = p.Detail
	}
	return json.Marshal(out)
}

func newProblem(status int, detail string) *Problem {
	return &Problem{
		Type:   problemTypes[status],
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

func (p *Problem) with(key string, value any) *Problem {
	if p.Extensions == nil {
		p.Extensions = map[string]any{}
	}
	p.Extensions[key] = value
	return p
}

func (p *Problem) wrap(err error) *Problem {
	p.Err = err
	return p
}

func badRequest(detail string) *Problem {
	return newProblem(http.StatusBadRequest, detail)
}

func invalidMetadata(errs []string) *Problem {
	return newProblem(http.StatusUnprocessableEntity, "The Smart Configuration metadata is not valid.").
		with("validationErrors", errs)
}

func metadataUnavailable(err error) *Problem {
	return newProblem(http.StatusBadGateway, "The Smart Configuration metadata could not be retrieved.").wrap(err)
}

func refreshConflict() *Problem {
	return newProblem(http.StatusTooManyRequests, "Session refresh conflict.")
}

// upstreamRejected describes an authorization server failure.
func upstreamRejected(detail string, err error) *Problem {
	p := badRequest(detail).wrap(err)
	var te *upstream.TokenError
	if errors.As(err, &te) {
		p.with("error", te.Code).
			with("errorDescription", te.Description).
			with("errorType", string(te.Type))
	}
	return p
}

// writeProblem writes p, stamping the request id as traceId.
func writeProblem(w http.ResponseWriter, r *http.Request, p *Problem) {
	body := *p
	body.Extensions = maps.Clone(p.Extensions)
	if id := httpx.RequestIDFromContext(r.Context()); id != "" {
		body.with("traceId", id)
	}
	httpx.WriteJSONContentType(w, p.Status, problemContentType, &body)
}
