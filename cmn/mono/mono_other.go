//go:build !linux

package mono

func nanoTime() int64 { return fallbackNanoTime() }
