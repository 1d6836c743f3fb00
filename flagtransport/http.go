// Package flagtransport exposes the flag service over HTTP/JSON.
package flagtransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	stdopentracing "github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/ratelimit"
	"github.com/go-kit/kit/tracing/opentracing"
	"github.com/go-kit/kit/transport"
	httptransport "github.com/go-kit/kit/transport/http"

	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/flagendpoint"
	"github.com/go-kit/rollout/flagservice"
)

// NewHTTPHandler returns an HTTP handler that makes a set of endpoints
// available on predefined paths.
//
//	POST   /flags                           creates a flag
//	GET    /flags?status=&prefix=           lists flags
//	GET    /flags/{key}                     retrieves a flag
//	PATCH  /flags/{key}                     partially updates a flag
//	PUT    /flags/{key}/status              changes the status
//	PUT    /flags/{key}/rollout             changes the rollout percentage
//	POST   /flags/{key}/enabled-users       adds users to the allow list
//	DELETE /flags/{key}/enabled-users       removes users from the allow list
//	POST   /flags/{key}/disabled-users      adds users to the deny list
//	DELETE /flags/{key}/disabled-users      removes users from the deny list
//	GET    /flags/{key}/evaluate?subject=   evaluates a flag for a subject
//	GET    /metrics                         Prometheus metrics
func NewHTTPHandler(endpoints flagendpoint.Set, tracer stdopentracing.Tracer, logger log.Logger) http.Handler {
	options := func(name string) []httptransport.ServerOption {
		return []httptransport.ServerOption{
			httptransport.ServerErrorEncoder(errorEncoder),
			httptransport.ServerErrorHandler(transport.NewLogErrorHandler(logger)),
			httptransport.ServerBefore(opentracing.HTTPToContext(tracer, name, logger)),
		}
	}
	r := mux.NewRouter()
	r.Methods("POST").Path("/flags").Handler(httptransport.NewServer(
		endpoints.CreateEndpoint,
		decodeHTTPCreateRequest,
		encodeHTTPFlagResponse,
		options("Create")...,
	))
	r.Methods("GET").Path("/flags").Handler(httptransport.NewServer(
		endpoints.ListEndpoint,
		decodeHTTPListRequest,
		encodeHTTPListResponse,
		options("List")...,
	))
	r.Methods("GET").Path("/flags/{key}").Handler(httptransport.NewServer(
		endpoints.GetEndpoint,
		decodeHTTPGetRequest,
		encodeHTTPFlagResponse,
		options("Get")...,
	))
	r.Methods("PATCH").Path("/flags/{key}").Handler(httptransport.NewServer(
		endpoints.UpdateEndpoint,
		decodeHTTPUpdateRequest,
		encodeHTTPFlagResponse,
		options("Update")...,
	))
	r.Methods("PUT").Path("/flags/{key}/status").Handler(httptransport.NewServer(
		endpoints.UpdateStatusEndpoint,
		decodeHTTPUpdateStatusRequest,
		encodeHTTPFlagResponse,
		options("UpdateStatus")...,
	))
	r.Methods("PUT").Path("/flags/{key}/rollout").Handler(httptransport.NewServer(
		endpoints.SetRolloutEndpoint,
		decodeHTTPSetRolloutRequest,
		encodeHTTPFlagResponse,
		options("SetRollout")...,
	))
	r.Methods("POST").Path("/flags/{key}/enabled-users").Handler(httptransport.NewServer(
		endpoints.AddEnabledUsersEndpoint,
		decodeHTTPUsersRequest,
		encodeHTTPFlagResponse,
		options("AddEnabledUsers")...,
	))
	r.Methods("DELETE").Path("/flags/{key}/enabled-users").Handler(httptransport.NewServer(
		endpoints.RemoveEnabledUsersEndpoint,
		decodeHTTPUsersRequest,
		encodeHTTPFlagResponse,
		options("RemoveEnabledUsers")...,
	))
	r.Methods("POST").Path("/flags/{key}/disabled-users").Handler(httptransport.NewServer(
		endpoints.AddDisabledUsersEndpoint,
		decodeHTTPUsersRequest,
		encodeHTTPFlagResponse,
		options("AddDisabledUsers")...,
	))
	r.Methods("DELETE").Path("/flags/{key}/disabled-users").Handler(httptransport.NewServer(
		endpoints.RemoveDisabledUsersEndpoint,
		decodeHTTPUsersRequest,
		encodeHTTPFlagResponse,
		options("RemoveDisabledUsers")...,
	))
	r.Methods("GET").Path("/flags/{key}/evaluate").Handler(httptransport.NewServer(
		endpoints.EvaluateEndpoint,
		decodeHTTPEvaluateRequest,
		encodeHTTPEvaluateResponse,
		options("Evaluate")...,
	))
	r.Methods("GET").Path("/metrics").Handler(promhttp.Handler())
	return r
}

// Error codes carried in error bodies, so clients can rebuild the error.
const (
	codeNotFound            = "not_found"
	codeConflict            = "conflict"
	codeConcurrencyConflict = "concurrency_conflict"
	codeValidation          = "validation"
	codeBadRequest          = "bad_request"
	codeRateLimited         = "rate_limited"
	codeInternal            = "internal"
)

type errorWrapper struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
}

// malformedError marks a request the server could not decode.
type malformedError struct {
	err error
}

func (e malformedError) Error() string { return "malformed request: " + e.err.Error() }
func (e malformedError) Unwrap() error { return e.err }

func errorEncoder(_ context.Context, err error, w http.ResponseWriter) {
	code, status := classify(err)
	body := errorWrapper{Error: err.Error(), Code: code}
	var verr *feature.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// classify returns the error code and HTTP status for err.
func classify(err error) (string, int) {
	var malformed malformedError
	switch {
	case errors.Is(err, feature.ErrNotFound):
		return codeNotFound, http.StatusNotFound
	case errors.Is(err, feature.ErrConflict):
		return codeConflict, http.StatusConflict
	case errors.Is(err, feature.ErrConcurrencyConflict):
		return codeConcurrencyConflict, http.StatusConflict
	case feature.IsValidation(err):
		return codeValidation, http.StatusUnprocessableEntity
	case errors.As(err, &malformed):
		return codeBadRequest, http.StatusBadRequest
	case errors.Is(err, ratelimit.ErrLimited):
		return codeRateLimited, http.StatusTooManyRequests
	}
	return codeInternal, http.StatusInternalServerError
}

func keyVar(r *http.Request) string {
	return mux.Vars(r)["key"]
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return malformedError{err}
	}
	return nil
}

func decodeHTTPCreateRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var req flagservice.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return flagendpoint.CreateRequest{Flag: req}, nil
}

func decodeHTTPGetRequest(_ context.Context, r *http.Request) (interface{}, error) {
	return flagendpoint.GetRequest{Key: keyVar(r)}, nil
}

func decodeHTTPListRequest(_ context.Context, r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	return flagendpoint.ListRequest{Filter: feature.Filter{
		Status:    feature.Status(q.Get("status")),
		KeyPrefix: q.Get("prefix"),
	}}, nil
}

func decodeHTTPUpdateRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var req flagservice.UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return flagendpoint.UpdateRequest{Key: keyVar(r), Update: req}, nil
}

type statusBody struct {
	Status feature.Status `json:"status"`
}

func decodeHTTPUpdateStatusRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var body statusBody
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	return flagendpoint.UpdateStatusRequest{Key: keyVar(r), Status: body.Status}, nil
}

type rolloutBody struct {
	Percentage *int `json:"percentage"`
}

func decodeHTTPSetRolloutRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var body rolloutBody
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	if body.Percentage == nil {
		return nil, feature.Invalid("rolloutPercentage", "percentage is required")
	}
	return flagendpoint.SetRolloutRequest{Key: keyVar(r), Percentage: *body.Percentage}, nil
}

type usersBody struct {
	UserIDs []string `json:"userIds"`
}

func decodeHTTPUsersRequest(_ context.Context, r *http.Request) (interface{}, error) {
	var body usersBody
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	return flagendpoint.UsersRequest{Key: keyVar(r), UserIDs: body.UserIDs}, nil
}

func decodeHTTPEvaluateRequest(_ context.Context, r *http.Request) (interface{}, error) {
	return flagendpoint.EvaluateRequest{Key: keyVar(r), Subject: r.URL.Query().Get("subject")}, nil
}

// encodeHTTPFlagResponse writes the flag, or the business error it carries.
func encodeHTTPFlagResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	resp := response.(flagendpoint.FlagResponse)
	if resp.Err != nil {
		errorEncoder(ctx, resp.Err, w)
		return nil
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if resp.Created {
		w.WriteHeader(http.StatusCreated)
	}
	return json.NewEncoder(w).Encode(resp.Flag)
}

type listBody struct {
	Flags []feature.Flag `json:"flags"`
}

func encodeHTTPListResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	resp := response.(flagendpoint.ListResponse)
	if resp.Err != nil {
		errorEncoder(ctx, resp.Err, w)
		return nil
	}
	flags := resp.Flags
	if flags == nil {
		flags = []feature.Flag{}
	}
	return httptransport.EncodeJSONResponse(ctx, w, listBody{Flags: flags})
}

func encodeHTTPEvaluateResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	resp := response.(flagendpoint.EvaluateResponse)
	if resp.Err != nil {
		errorEncoder(ctx, resp.Err, w)
		return nil
	}
	return httptransport.EncodeJSONResponse(ctx, w, resp.Detail)
}
