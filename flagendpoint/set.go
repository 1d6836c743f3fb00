// Package flagendpoint turns the flag service into go-kit endpoints, and back.
package flagendpoint

import (
	"context"

	stdopentracing "github.com/opentracing/opentracing-go"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/ratelimit"
	"github.com/go-kit/kit/tracing/opentracing"

	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/flagservice"
)

// Set collects all of the endpoints that compose the flag service. It's meant
// to be used as a helper struct, to collect all of the endpoints into a single
// parameter.
type Set struct {
	CreateEndpoint              endpoint.Endpoint
	GetEndpoint                 endpoint.Endpoint
	ListEndpoint                endpoint.Endpoint
	UpdateEndpoint              endpoint.Endpoint
	UpdateStatusEndpoint        endpoint.Endpoint
	SetRolloutEndpoint          endpoint.Endpoint
	AddEnabledUsersEndpoint     endpoint.Endpoint
	RemoveEnabledUsersEndpoint  endpoint.Endpoint
	AddDisabledUsersEndpoint    endpoint.Endpoint
	RemoveDisabledUsersEndpoint endpoint.Endpoint
	EvaluateEndpoint            endpoint.Endpoint
}

// New returns a Set that wraps the provided server, and wires in all of the
// expected endpoint middlewares via the various parameters. Mutating
// endpoints share the limiter; a nil limiter disables rate limiting.
func New(svc flagservice.Service, logger log.Logger, duration metrics.Histogram, tracer stdopentracing.Tracer, limiter ratelimit.Allower) Set {
	wrap := func(name string, e endpoint.Endpoint, mutation bool) endpoint.Endpoint {
		if mutation && limiter != nil {
			e = ratelimit.NewErroringLimiter(limiter)(e)
		}
		e = opentracing.TraceServer(tracer, name)(e)
		e = LoggingMiddleware(log.With(logger, "method", name))(e)
		e = InstrumentingMiddleware(duration.With("method", name))(e)
		return e
	}
	return Set{
		CreateEndpoint:              wrap("Create", MakeCreateEndpoint(svc), true),
		GetEndpoint:                 wrap("Get", MakeGetEndpoint(svc), false),
		ListEndpoint:                wrap("List", MakeListEndpoint(svc), false),
		UpdateEndpoint:              wrap("Update", MakeUpdateEndpoint(svc), true),
		UpdateStatusEndpoint:        wrap("UpdateStatus", MakeUpdateStatusEndpoint(svc), true),
		SetRolloutEndpoint:          wrap("SetRollout", MakeSetRolloutEndpoint(svc), true),
		AddEnabledUsersEndpoint:     wrap("AddEnabledUsers", MakeAddEnabledUsersEndpoint(svc), true),
		RemoveEnabledUsersEndpoint:  wrap("RemoveEnabledUsers", MakeRemoveEnabledUsersEndpoint(svc), true),
		AddDisabledUsersEndpoint:    wrap("AddDisabledUsers", MakeAddDisabledUsersEndpoint(svc), true),
		RemoveDisabledUsersEndpoint: wrap("RemoveDisabledUsers", MakeRemoveDisabledUsersEndpoint(svc), true),
		EvaluateEndpoint:            wrap("Evaluate", MakeEvaluateEndpoint(svc), false),
	}
}

// Create implements the service interface, so Set may be used as a service.
// This is primarily useful in the context of a client library.
func (s Set) Create(ctx context.Context, req flagservice.CreateRequest) (feature.Flag, error) {
	return flagCall(ctx, s.CreateEndpoint, CreateRequest{Flag: req})
}

// Get implements the service interface, so Set may be used as a service.
func (s Set) Get(ctx context.Context, key string) (feature.Flag, error) {
	return flagCall(ctx, s.GetEndpoint, GetRequest{Key: key})
}

// List implements the service interface, so Set may be used as a service.
func (s Set) List(ctx context.Context, filter feature.Filter) ([]feature.Flag, error) {
	resp, err := s.ListEndpoint(ctx, ListRequest{Filter: filter})
	if err != nil {
		return nil, err
	}
	response := resp.(ListResponse)
	return response.Flags, response.Err
}

// Update implements the service interface, so Set may be used as a service.
func (s Set) Update(ctx context.Context, key string, req flagservice.UpdateRequest) (feature.Flag, error) {
	return flagCall(ctx, s.UpdateEndpoint, UpdateRequest{Key: key, Update: req})
}

// UpdateStatus implements the service interface, so Set may be used as a service.
func (s Set) UpdateStatus(ctx context.Context, key string, status feature.Status) (feature.Flag, error) {
	return flagCall(ctx, s.UpdateStatusEndpoint, UpdateStatusRequest{Key: key, Status: status})
}

// SetRollout implements the service interface, so Set may be used as a service.
func (s Set) SetRollout(ctx context.Context, key string, percentage int) (feature.Flag, error) {
	return flagCall(ctx, s.SetRolloutEndpoint, SetRolloutRequest{Key: key, Percentage: percentage})
}

// AddEnabledUsers implements the service interface, so Set may be used as a service.
func (s Set) AddEnabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error) {
	return flagCall(ctx, s.AddEnabledUsersEndpoint, UsersRequest{Key: key, UserIDs: userIDs})
}

// RemoveEnabledUsers implements the service interface, so Set may be used as a service.
func (s Set) RemoveEnabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error) {
	return flagCall(ctx, s.RemoveEnabledUsersEndpoint, UsersRequest{Key: key, UserIDs: userIDs})
}

// AddDisabledUsers implements the service interface, so Set may be used as a service.
func (s Set) AddDisabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error) {
	return flagCall(ctx, s.AddDisabledUsersEndpoint, UsersRequest{Key: key, UserIDs: userIDs})
}

// RemoveDisabledUsers implements the service interface, so Set may be used as a service.
func (s Set) RemoveDisabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error) {
	return flagCall(ctx, s.RemoveDisabledUsersEndpoint, UsersRequest{Key: key, UserIDs: userIDs})
}

// Evaluate implements the service interface, so Set may be used as a service.
func (s Set) Evaluate(ctx context.Context, key, subjectID string) (feature.Detail, error) {
	resp, err := s.EvaluateEndpoint(ctx, EvaluateRequest{Key: key, Subject: subjectID})
	if err != nil {
		return feature.Detail{Key: key, Bucket: -1}, err
	}
	response := resp.(EvaluateResponse)
	return response.Detail, response.Err
}

func flagCall(ctx context.Context, e endpoint.Endpoint, request interface{}) (feature.Flag, error) {
	resp, err := e(ctx, request)
	if err != nil {
		return feature.Flag{}, err
	}
	response := resp.(FlagResponse)
	return response.Flag, response.Err
}

// MakeCreateEndpoint constructs a Create endpoint wrapping the service.
func MakeCreateEndpoint(s flagservice.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(CreateRequest)
		f, err := s.Create(ctx, req.Flag)
		return FlagResponse{Flag: f, Err: err, Created: err == nil}, nil
	}
}

// MakeGetEndpoint constructs a Get endpoint wrapping the service.
func MakeGetEndpoint(s flagservice.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(GetRequest)
		f, err := s.Get(ctx, req.Key)
		return FlagResponse{Flag: f, Err: err}, nil
	}
}

// MakeListEndpoint constructs a List endpoint wrapping the service.
func MakeListEndpoint(s flagservice.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(ListRequest)
		flags, err := s.List(ctx, req.Filter)
		return ListResponse{Flags: flags, Err: err}, nil
	}
}

// MakeUpdateEndpoint constructs an Update endpoint wrapping the service.
func MakeUpdateEndpoint(s flagservice.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(UpdateRequest)
		f, err := s.Update(ctx, req.Key, req.Update)
		return FlagResponse{Flag: f, Err: err}, nil
	}
}

// MakeUpdateStatusEndpoint constructs an UpdateStatus endpoint wrapping the service.
func MakeUpdateStatusEndpoint(s flagservice.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(UpdateStatusRequest)
		f, err := s.UpdateStatus(ctx, req.Key, req.Status)
		return FlagResponse{Flag: f, Err: err}, nil
	}
}

// MakeSetRolloutEndpoint constructs a SetRollout endpoint wrapping the service.
func MakeSetRolloutEndpoint(s flagservice.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(SetRolloutRequest)
		f, err := s.SetRollout(ctx, req.Key, req.Percentage)
		return FlagResponse{Flag: f, Err: err}, nil
	}
}

// MakeAddEnabledUsersEndpoint constructs an AddEnabledUsers endpoint wrapping the service.
func MakeAddEnabledUsersEndpoint(s flagservice.Service) endpoint.Endpoint {
	return makeUsersEndpoint(s.AddEnabledUsers)
}

// MakeRemoveEnabledUsersEndpoint constructs a RemoveEnabledUsers endpoint wrapping the service.
func MakeRemoveEnabledUsersEndpoint(s flagservice.Service) endpoint.Endpoint {
	return makeUsersEndpoint(s.RemoveEnabledUsers)
}

// MakeAddDisabledUsersEndpoint constructs an AddDisabledUsers endpoint wrapping the service.
func MakeAddDisabledUsersEndpoint(s flagservice.Service) endpoint.Endpoint {
	return makeUsersEndpoint(s.AddDisabledUsers)
}

// MakeRemoveDisabledUsersEndpoint constructs a RemoveDisabledUsers endpoint wrapping the service.
func MakeRemoveDisabledUsersEndpoint(s flagservice.Service) endpoint.Endpoint {
	return makeUsersEndpoint(s.RemoveDisabledUsers)
}

func makeUsersEndpoint(op func(context.Context, string, []string) (feature.Flag, error)) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(UsersRequest)
		f, err := op(ctx, req.Key, req.UserIDs)
		return FlagResponse{Flag: f, Err: err}, nil
	}
}

// MakeEvaluateEndpoint constructs an Evaluate endpoint wrapping the service.
func MakeEvaluateEndpoint(s flagservice.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(EvaluateRequest)
		d, err := s.Evaluate(ctx, req.Key, req.Subject)
		return EvaluateResponse{Detail: d, Err: err}, nil
	}
}

// compile time assertions for our response types implementing endpoint.Failer.
var (
	_ endpoint.Failer = FlagResponse{}
	_ endpoint.Failer = ListResponse{}
	_ endpoint.Failer = EvaluateResponse{}
)

// CreateRequest collects the request parameters for the Create method.
type CreateRequest struct {
	Flag flagservice.CreateRequest
}

// GetRequest collects the request parameters for the Get method.
type GetRequest struct {
	Key string
}

// ListRequest collects the request parameters for the List method.
type ListRequest struct {
	Filter feature.Filter
}

// UpdateRequest collects the request parameters for the Update method.
type UpdateRequest struct {
	Key    string
	Update flagservice.UpdateRequest
}

// UpdateStatusRequest collects the request parameters for the UpdateStatus method.
type UpdateStatusRequest struct {
	Key    string
	Status feature.Status
}

// SetRolloutRequest collects the request parameters for the SetRollout method.
type SetRolloutRequest struct {
	Key        string
	Percentage int
}

// UsersRequest collects the request parameters for the four methods that
// change an override list.
type UsersRequest struct {
	Key     string
	UserIDs []string
}

// EvaluateRequest collects the request parameters for the Evaluate method.
type EvaluateRequest struct {
	Key     string
	Subject string
}

// FlagResponse collects the response values of every method that returns a
// single flag. Created is set by a successful Create.
type FlagResponse struct {
	Flag    feature.Flag
	Err     error // should be intercepted by Failed/errorEncoder
	Created bool
}

// Failed implements endpoint.Failer.
func (r FlagResponse) Failed() error { return r.Err }

// ListResponse collects the response values for the List method.
type ListResponse struct {
	Flags []feature.Flag
	Err   error
}

// Failed implements endpoint.Failer.
func (r ListResponse) Failed() error { return r.Err }

// EvaluateResponse collects the response values for the Evaluate method.
type EvaluateResponse struct {
	Detail feature.Detail
	Err    error
}

// Failed implements endpoint.Failer.
func (r EvaluateResponse) Failed() error { return r.Err }
