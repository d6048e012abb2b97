// Package nlog is a small leveled logger in the style of the teacher's
// cmn/nlog: a handful of package-level functions writing to stderr, plus a
// global atomic verbosity that callers can check (cmn/config.Rom.FastV)
// before building a message. The print functions themselves do not
// consult it; they always write.
package nlog

import (
	"log"
	"os"

	"go.uber.org/atomic"
)

var (
	verbosity = atomic.NewInt32(2) // 0..5; read via Verbosity, not by the print functions
	std       = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// SetVerbosity adjusts the global log level (cmn/config.Rom.FastV reads it
// back out for the verbose-gate idiom used across the barrier engine).
func SetVerbosity(v int32) { verbosity.Store(v) }

// Verbosity returns the current global log level.
func Verbosity() int32 { return verbosity.Load() }

func Infoln(args ...any)            { std.Println(append([]any{"I:"}, args...)...) }
func Infof(format string, a ...any) { std.Printf("I: "+format+"\n", a...) }
func Warningln(args ...any)         { std.Println(append([]any{"W:"}, args...)...) }
func Warningf(format string, a ...any) { std.Printf("W: "+format+"\n", a...) }
func Errorln(args ...any)           { std.Println(append([]any{"E:"}, args...)...) }
func Errorf(format string, a ...any) { std.Printf("E: "+format+"\n", a...) }

// Fatal logs and exits with the given process exit code — used by
// cmd/bsprun when a run fails.
func Fatal(code int, args ...any) {
	std.Println(append([]any{"F:"}, args...)...)
	os.Exit(code)
}
