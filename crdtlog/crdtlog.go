// Package crdtlog carries the teacher's logging shape into this repo: a
// LogFunc-per-severity value threaded through Config structs rather than a
// package-global logger (spec §7's "Internal unexpected messages ... are
// logged" is implemented through this).
package crdtlog

import (
	"log"
	"os"
)

// Func is a single leveled log sink, matching the shape of the teacher's
// LogFunc fields (logCritical, logError, logWarning, logInfo, logDebug).
type Func func(format string, args ...interface{})

// Discard drops every message; used as the zero-value default so Config
// structs never need a nil check before logging.
func Discard(string, ...interface{}) {}

// Funcs bundles one Func per severity, injected into engine/gossip/pruning
// Config the same way the teacher injects logCritical..logDebug into
// DefaultValueStore.
type Funcs struct {
	Critical Func
	Error    Func
	Warning  Func
	Info     Func
	Debug    Func
}

// Default returns Funcs backed by a single *log.Logger writing to stderr,
// each level prefixed so a reader can grep by severity.
func Default() Funcs {
	l := log.New(os.Stderr, "", log.LstdFlags)
	return Funcs{
		Critical: levelFunc(l, "CRITICAL"),
		Error:    levelFunc(l, "ERROR"),
		Warning:  levelFunc(l, "WARNING"),
		Info:     levelFunc(l, "INFO"),
		Debug:    levelFunc(l, "DEBUG"),
	}
}

// Silent returns Funcs that discard every message, for tests.
func Silent() Funcs {
	return Funcs{Critical: Discard, Error: Discard, Warning: Discard, Info: Discard, Debug: Discard}
}

func levelFunc(l *log.Logger, level string) Func {
	return func(format string, args ...interface{}) {
		l.Printf(level+" "+format, args...)
	}
}

// resolve fills any nil Func in f with Discard, the way the teacher's
// resolveConfig fills zero-valued fields with defaults.
func (f Funcs) resolve() Funcs {
	if f.Critical == nil {
		f.Critical = Discard
	}
	if f.Error == nil {
		f.Error = Discard
	}
	if f.Warning == nil {
		f.Warning = Discard
	}
	if f.Info == nil {
		f.Info = Discard
	}
	if f.Debug == nil {
		f.Debug = Discard
	}
	return f
}

// Resolve is the exported form of resolve, used by package Config
// resolvers that embed Funcs.
func Resolve(f Funcs) Funcs { return f.resolve() }
