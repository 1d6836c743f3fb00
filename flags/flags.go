package flags

import "context"

// Booler describes a feature flag that returns a simple boolean response
type Booler interface {
	Bool(c context.Context) bool
}

// BoolerFunc is an adapter to use a stand-alone function as a Booler
type BoolerFunc func(c context.Context) bool

// Bool conforms to the Booler interface
func (fn BoolerFunc) Bool(c context.Context) bool {
	return fn(c)
}

// Static returns a Booler that always answers val. Useful in tests and for
// toggles that have not been created in the store yet.
func Static(val bool) Booler {
	return BoolerFunc(func(context.Context) bool { return val })
}
