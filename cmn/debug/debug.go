// Package debug provides cheap assertions that return immediately unless
// debug checks are enabled by BSP_DEBUG=1 in the environment, mirroring the teacher's
// cmn/debug package.
package debug

import (
	"fmt"
	"os"
)

// Enabled gates Assert/AssertNoErr at runtime. Set via BSP_DEBUG=1 so a
// production build doesn't pay for the checks.
var Enabled = os.Getenv("BSP_DEBUG") == "1"

// Assert panics with msg if cond is false and debug checks are enabled.
func Assert(cond bool, msg ...any) {
	if !Enabled || cond {
		return
	}
	panic(fmt.Sprintln(append([]any{"assertion failed:"}, msg...)...))
}

// Assertf is Assert with a format string.
func Assertf(cond bool, format string, args ...any) {
	if !Enabled || cond {
		return
	}
	panic(fmt.Sprintf("assertion failed: "+format, args...))
}

// AssertNoErr panics if err is non-nil and debug checks are enabled.
func AssertNoErr(err error) {
	if !Enabled || err == nil {
		return
	}
	panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
}
