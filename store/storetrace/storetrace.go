// Package storetrace wraps a feature.Store so that every call runs in an
// OpenTracing span.
package storetrace

import (
	"context"
	"errors"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	otlog "github.com/opentracing/opentracing-go/log"

	"github.com/go-kit/rollout/feature"
)

// Store traces the calls it forwards to another Store.
type Store struct {
	next   feature.Store
	tracer opentracing.Tracer
	name   string
}

// New wraps next. name identifies the backend in span tags, e.g. "etcd".
func New(next feature.Store, tracer opentracing.Tracer, name string) *Store {
	return &Store{next: next, tracer: tracer, name: name}
}

func (s *Store) start(ctx context.Context, op string) (opentracing.Span, context.Context) {
	var opts []opentracing.StartSpanOption
	if parent := opentracing.SpanFromContext(ctx); parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	}
	span := s.tracer.StartSpan("store."+op, opts...)
	ext.SpanKindRPCClient.Set(span)
	ext.DBType.Set(span, s.name)
	return span, opentracing.ContextWithSpan(ctx, span)
}

// finish records err on the span. A missing flag is an answer, not a fault.
func finish(span opentracing.Span, err error) {
	if err != nil && !errors.Is(err, feature.ErrNotFound) {
		ext.Error.Set(span, true)
		span.LogFields(otlog.Error(err))
	}
	span.Finish()
}

// Get implements feature.Reader.
func (s *Store) Get(ctx context.Context, key string) (f feature.Flag, err error) {
	span, ctx := s.start(ctx, "Get")
	span.SetTag("flag.key", key)
	defer func() { finish(span, err) }()
	return s.next.Get(ctx, key)
}

// List implements feature.Store.
func (s *Store) List(ctx context.Context, filter feature.Filter) (flags []feature.Flag, err error) {
	span, ctx := s.start(ctx, "List")
	span.SetTag("flag.prefix", filter.KeyPrefix)
	span.SetTag("flag.status", string(filter.Status))
	defer func() {
		span.SetTag("flag.count", len(flags))
		finish(span, err)
	}()
	return s.next.List(ctx, filter)
}

// Create implements feature.Store.
func (s *Store) Create(ctx context.Context, f feature.Flag) (created feature.Flag, err error) {
	span, ctx := s.start(ctx, "Create")
	span.SetTag("flag.key", f.Key)
	defer func() { finish(span, err) }()
	return s.next.Create(ctx, f)
}

// Update implements feature.Store.
func (s *Store) Update(ctx context.Context, f feature.Flag) (updated feature.Flag, err error) {
	span, ctx := s.start(ctx, "Update")
	span.SetTag("flag.key", f.Key)
	span.SetTag("flag.version", f.Version)
	defer func() { finish(span, err) }()
	return s.next.Update(ctx, f)
}
