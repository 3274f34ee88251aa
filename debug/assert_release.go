//go:build !debug

// Package debug provides assertions that are enabled with the debug build tag
// and otherwise compile to no-ops.
//
// Driver code asserts hardware invariants with these, e.g. buffer padding
// before cache maintenance, without paying for the checks in release builds.
package debug

// Enabled reports whether assertions are compiled in.  Wrap assertions that
// do work of their own (i.e. anything that could panic) in `if debug.Enabled`
// so release builds can drop them entirely.
const Enabled = false

// Assert panics if b is false.
func Assert(b bool, message string) {}

// AssertErrNil panics if err is not nil.
func AssertErrNil(err error) {}
