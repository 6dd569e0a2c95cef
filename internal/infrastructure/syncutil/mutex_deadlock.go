//go:build deadlock

// Package syncutil provides the mutex types used by the protocol client.
// Build with -tags=deadlock to swap in a deadlock-detecting implementation.
package syncutil

import (
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
)

// DeadlockEnabled is true if the deadlock detector is enabled.
const DeadlockEnabled = true

func init() {
	// Control operations may hold a lock for one full socket timeout.
	deadlock.Opts.DeadlockTimeout = 45 * time.Second
}

// A Mutex is a mutual exclusion lock.
type Mutex struct {
	deadlock.Mutex
}

// An RWMutex is a reader/writer mutual exclusion lock.
type RWMutex struct {
	deadlock.RWMutex
}
