// Package flags provides feature toggles for application code.
//
// Flags/Toggles are dependencies, and should be passed to the components that
// need them in the same way you'd construct and pass a database handle, or
// reference to another component. Instantiate flags in your func main, backed
// by an evaluator over the flag store, and put the subject of each request in
// its context with WithSubject.
package flags
