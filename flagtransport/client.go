package flagtransport

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	stdopentracing "github.com/opentracing/opentracing-go"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/go-kit/kit/circuitbreaker"
	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/ratelimit"
	"github.com/go-kit/kit/tracing/opentracing"
	httptransport "github.com/go-kit/kit/transport/http"

	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/flagendpoint"
	"github.com/go-kit/rollout/flagservice"
)

// NewHTTPClient returns a flag service backed by the flag server at instance,
// either "host:port" or a full base URL. Business errors come back as the
// same feature errors the server produced.
func NewHTTPClient(instance string, tracer stdopentracing.Tracer, logger log.Logger) (flagservice.Service, error) {
	if !strings.HasPrefix(instance, "http") {
		instance = "http://" + instance
	}
	u, err := url.Parse(instance)
	if err != nil {
		return nil, err
	}

	// One limiter covers every method on the remote instance; breakers are
	// per method.
	limiter := ratelimit.NewErroringLimiter(rate.NewLimiter(rate.Every(time.Second), 100))

	options := []httptransport.ClientOption{
		httptransport.ClientBefore(opentracing.ContextToHTTP(tracer, logger)),
	}
	client := func(name, method string, enc httptransport.EncodeRequestFunc, dec httptransport.DecodeResponseFunc) endpoint.Endpoint {
		var e endpoint.Endpoint
		e = httptransport.NewClient(method, copyURL(u), enc, dec, options...).Endpoint()
		e = opentracing.TraceClient(tracer, name)(e)
		e = limiter(e)
		e = circuitbreaker.Gobreaker(gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
		}))(e)
		return e
	}

	return flagendpoint.Set{
		CreateEndpoint:              client("Create", "POST", encodeHTTPCreateRequest, decodeHTTPFlagResponse),
		GetEndpoint:                 client("Get", "GET", encodeHTTPGetRequest, decodeHTTPFlagResponse),
		ListEndpoint:                client("List", "GET", encodeHTTPListRequest, decodeHTTPListResponse),
		UpdateEndpoint:              client("Update", "PATCH", encodeHTTPUpdateRequest, decodeHTTPFlagResponse),
		UpdateStatusEndpoint:        client("UpdateStatus", "PUT", encodeHTTPUpdateStatusRequest, decodeHTTPFlagResponse),
		SetRolloutEndpoint:          client("SetRollout", "PUT", encodeHTTPSetRolloutRequest, decodeHTTPFlagResponse),
		AddEnabledUsersEndpoint:     client("AddEnabledUsers", "POST", encodeHTTPUsersRequest("enabled-users"), decodeHTTPFlagResponse),
		RemoveEnabledUsersEndpoint:  client("RemoveEnabledUsers", "DELETE", encodeHTTPUsersRequest("enabled-users"), decodeHTTPFlagResponse),
		AddDisabledUsersEndpoint:    client("AddDisabledUsers", "POST", encodeHTTPUsersRequest("disabled-users"), decodeHTTPFlagResponse),
		RemoveDisabledUsersEndpoint: client("RemoveDisabledUsers", "DELETE", encodeHTTPUsersRequest("disabled-users"), decodeHTTPFlagResponse),
		EvaluateEndpoint:            client("Evaluate", "GET", encodeHTTPEvaluateRequest, decodeHTTPEvaluateResponse),
	}, nil
}

func copyURL(base *url.URL) *url.URL {
	next := *base
	return &next
}

func flagPath(r *http.Request, key string, suffix ...string) {
	segments := append([]string{"flags", key}, suffix...)
	r.URL.Path = strings.TrimSuffix(r.URL.Path, "/") + "/" + strings.Join(segments, "/")
}

// encodeHTTPJSONBody is a transport/http.EncodeRequestFunc that
// JSON-encodes any request to the request body.
func encodeHTTPJSONBody(r *http.Request, body interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	r.ContentLength = int64(buf.Len())
	r.Body = ioutil.NopCloser(&buf)
	return nil
}

func encodeHTTPCreateRequest(_ context.Context, r *http.Request, request interface{}) error {
	req := request.(flagendpoint.CreateRequest)
	r.URL.Path = strings.TrimSuffix(r.URL.Path, "/") + "/flags"
	return encodeHTTPJSONBody(r, req.Flag)
}

func encodeHTTPGetRequest(_ context.Context, r *http.Request, request interface{}) error {
	req := request.(flagendpoint.GetRequest)
	flagPath(r, req.Key)
	return nil
}

func encodeHTTPListRequest(_ context.Context, r *http.Request, request interface{}) error {
	req := request.(flagendpoint.ListRequest)
	r.URL.Path = strings.TrimSuffix(r.URL.Path, "/") + "/flags"
	q := r.URL.Query()
	if req.Filter.Status != "" {
		q.Set("status", string(req.Filter.Status))
	}
	if req.Filter.KeyPrefix != "" {
		q.Set("prefix", req.Filter.KeyPrefix)
	}
	r.URL.RawQuery = q.Encode()
	return nil
}

func encodeHTTPUpdateRequest(_ context.Context, r *http.Request, request interface{}) error {
	req := request.(flagendpoint.UpdateRequest)
	flagPath(r, req.Key)
	return encodeHTTPJSONBody(r, req.Update)
}

func encodeHTTPUpdateStatusRequest(_ context.Context, r *http.Request, request interface{}) error {
	req := request.(flagendpoint.UpdateStatusRequest)
	flagPath(r, req.Key, "status")
	return encodeHTTPJSONBody(r, statusBody{Status: req.Status})
}

func encodeHTTPSetRolloutRequest(_ context.Context, r *http.Request, request interface{}) error {
	req := request.(flagendpoint.SetRolloutRequest)
	flagPath(r, req.Key, "rollout")
	return encodeHTTPJSONBody(r, rolloutBody{Percentage: &req.Percentage})
}

func encodeHTTPUsersRequest(list string) httptransport.EncodeRequestFunc {
	return func(_ context.Context, r *http.Request, request interface{}) error {
		req := request.(flagendpoint.UsersRequest)
		flagPath(r, req.Key, list)
		return encodeHTTPJSONBody(r, usersBody{UserIDs: req.UserIDs})
	}
}

func encodeHTTPEvaluateRequest(_ context.Context, r *http.Request, request interface{}) error {
	req := request.(flagendpoint.EvaluateRequest)
	flagPath(r, req.Key, "evaluate")
	q := r.URL.Query()
	q.Set("subject", req.Subject)
	r.URL.RawQuery = q.Encode()
	return nil
}

// decodeError turns an error response back into the error the server saw.
// Business errors are returned as the first value and belong in the response;
// anything else is a transport error, which counts against the circuit
// breaker.
func decodeError(r *http.Response) (business, transport error) {
	var w errorWrapper
	if err := json.NewDecoder(r.Body).Decode(&w); err != nil {
		return nil, err
	}
	switch w.Code {
	case codeNotFound:
		return remoteError{w.Error, feature.ErrNotFound}, nil
	case codeConflict:
		return remoteError{w.Error, feature.ErrConflict}, nil
	case codeConcurrencyConflict:
		return remoteError{w.Error, feature.ErrConcurrencyConflict}, nil
	case codeValidation:
		reason := strings.TrimPrefix(w.Error, "invalid "+w.Field+": ")
		return &feature.ValidationError{Field: w.Field, Reason: reason}, nil
	case codeBadRequest:
		return remoteError{w.Error, nil}, nil
	case codeRateLimited:
		return nil, remoteError{w.Error, ratelimit.ErrLimited}
	}
	return nil, remoteError{w.Error, nil}
}

type remoteError struct {
	msg   string
	cause error
}

func (e remoteError) Error() string { return e.msg }
func (e remoteError) Unwrap() error { return e.cause }

func decodeHTTPFlagResponse(_ context.Context, r *http.Response) (interface{}, error) {
	if r.StatusCode >= 400 {
		business, err := decodeError(r)
		if err != nil {
			return nil, err
		}
		return flagendpoint.FlagResponse{Err: business}, nil
	}
	var resp flagendpoint.FlagResponse
	if err := json.NewDecoder(r.Body).Decode(&resp.Flag); err != nil {
		return nil, err
	}
	resp.Flag.Normalize()
	resp.Created = r.StatusCode == http.StatusCreated
	return resp, nil
}

func decodeHTTPListResponse(_ context.Context, r *http.Response) (interface{}, error) {
	if r.StatusCode >= 400 {
		business, err := decodeError(r)
		if err != nil {
			return nil, err
		}
		return flagendpoint.ListResponse{Err: business}, nil
	}
	var body listBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, err
	}
	for i := range body.Flags {
		body.Flags[i].Normalize()
	}
	return flagendpoint.ListResponse{Flags: body.Flags}, nil
}

func decodeHTTPEvaluateResponse(_ context.Context, r *http.Response) (interface{}, error) {
	if r.StatusCode >= 400 {
		business, err := decodeError(r)
		if err != nil {
			return nil, err
		}
		return flagendpoint.EvaluateResponse{Detail: feature.Detail{Bucket: -1}, Err: business}, nil
	}
	var resp flagendpoint.EvaluateResponse
	err := json.NewDecoder(r.Body).Decode(&resp.Detail)
	return resp, err
}
