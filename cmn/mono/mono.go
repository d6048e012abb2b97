// Package mono implements C12: a monotonic wall-clock baseline chosen once
// at process startup, plus a busy-loop warmup so CPU frequency governors
// reach steady state before timing-sensitive supersteps run.
package mono

import "time"

var baseline = nanoTime()

// NanoTime returns nanoseconds on a monotonic clock; the zero point is
// unspecified but stable for the lifetime of the process.
func NanoTime() int64 { return nanoTime() }

// Since returns the monotonic duration elapsed since t (a value previously
// returned by NanoTime).
func Since(t int64) time.Duration {
	return time.Duration(nanoTime() - t)
}

// Now returns seconds elapsed since the process-local baseline captured at
// package init — this is what bsp.Time() reports.
func Now() float64 {
	return float64(nanoTime()-baseline) / float64(time.Second)
}

// Warmup busy-loops on the monotonic clock for roughly d, so that CPU
// frequency scaling has settled before the caller starts timing a
// benchmark superstep.
func Warmup(d time.Duration) {
	if d <= 0 {
		return
	}
	start := nanoTime()
	deadline := start + d.Nanoseconds()
	x := uint64(1)
	for nanoTime() < deadline {
		x = x*2862933555777941757 + 3037000493
	}
	_ = x
}
