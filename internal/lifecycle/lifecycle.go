// Package lifecycle holds process-wide readiness and drain flags read by the
// health endpoint.
package lifecycle

import (
	"sync/atomic"
	"time"
)

var (
	ready        atomic.Bool
	shuttingDown atomic.Bool
	startedAt    atomic.Int64
)

func init() {
	startedAt.Store(time.Now().UnixNano())
}

// MarkReady records that startup work (store open, cache warm) finished.
func MarkReady() {
	ready.Store(true)
}

// IsReady reports whether MarkReady has been called.
func IsReady() bool {
	return ready.Load()
}

// SetShuttingDown sets the drain flag. Call when SIGTERM/SIGINT is received.
// Health returns 503 shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Uptime returns the time since the process started.
func Uptime() time.Duration {
	return time.Since(time.Unix(0, startedAt.Load()))
}

// Reset clears both flags. For tests only.
func Reset() {
	ready.Store(false)
	shuttingDown.Store(false)
}
