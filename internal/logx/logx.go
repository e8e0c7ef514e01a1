// Package logx is a small leveled logger in the style firestack's own
// intra/log package uses throughout its dispatch path: short printf-style
// call sites tagged by component, no structured/JSON output, no
// third-party logging dependency.
package logx

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level controls which calls are emitted. Higher is noisier.
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelVerbose
)

var level atomic.Int32

func init() {
	level.Store(int32(LevelInfo))
}

// SetLevel adjusts the minimum level that is printed.
func SetLevel(l Level) {
	level.Store(int32(l))
}

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

func enabled(l Level) bool {
	return int32(l) <= level.Load()
}

func printf(l Level, prefix, format string, args ...any) {
	if !enabled(l) {
		return
	}
	std.Output(3, prefix+fmt.Sprintf(format, args...)) //nolint:errcheck
}

// E logs at error level; always emitted unless level is configured below it
// (which is never, in practice — errors are never suppressed).
func E(format string, args ...any) { printf(LevelError, "E ", format, args...) }

// W logs at warn level.
func W(format string, args ...any) { printf(LevelWarn, "W ", format, args...) }

// I logs at info level.
func I(format string, args ...any) { printf(LevelInfo, "I ", format, args...) }

// D logs at debug level.
func D(format string, args ...any) { printf(LevelDebug, "D ", format, args...) }

// V logs at verbose (trace) level.
func V(format string, args ...any) { printf(LevelVerbose, "V ", format, args...) }
