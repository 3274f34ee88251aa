//go:build debug

package debug

// Enabled reports whether assertions are compiled in.  Wrap assertions that
// do work of their own (i.e. anything that could panic) in `if debug.Enabled`
// so release builds can drop them entirely.
const Enabled = true

func Assert(b bool, message string) {
	if !b {
		panic(message)
	}
}

func AssertErrNil(err error) {
	if err != nil {
		panic(err)
	}
}
