//go:build windows

// Package godbg provides tooling for debugging Go
package godbg

import "os"

// SignalTrace is a noop on windows where SIGUSR1 is unavailable.
func SignalTrace(sigs ...os.Signal) {}
