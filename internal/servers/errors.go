package servers

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// errorValidity bounds how long a recorded failure is replayed to the
// announcer before it is considered stale.
const errorValidity = 10 * time.Minute

// ErrorKey identifies the announce a failure belongs to. The announcing IP is
// part of the key because some failures depend on who asked.
type ErrorKey struct {
	IP      string
	Address string
	Port    int
}

// PendingError is the most recent verification or probe failure for an
// identity. Warning entries accompanied a request that ultimately succeeded.
type PendingError struct {
	Warning bool
	Message string
}

type trackedError struct {
	PendingError
	expires time.Time
}

// ErrorTracker remembers asynchronous failures so the next announce for the
// same identity can be told what went wrong with the previous one. The probe
// runs after the HTTP response was already sent, so this is the only channel
// back to the operator.
type ErrorTracker struct {
	mu    sync.Mutex
	table map[ErrorKey]trackedError
	clk   clock.Clock
}

func NewErrorTracker(clk clock.Clock) *ErrorTracker {
	return &ErrorTracker{
		table: make(map[ErrorKey]trackedError),
		clk:   clk,
	}
}

func (t *ErrorTracker) Put(key ErrorKey, warning bool, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table[key] = trackedError{
		PendingError: PendingError{Warning: warning, Message: message},
		expires:      t.clk.Now().Add(errorValidity),
	}
}

func (t *ErrorTracker) Remove(key ErrorKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.table, key)
}

// Get returns the pending error for key if it has not expired.
func (t *ErrorTracker) Get(key ErrorKey) (PendingError, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.table[key]
	if !ok || e.expires.Before(t.clk.Now()) {
		return PendingError{}, false
	}
	return e.PendingError, true
}

// Cleanup drops expired entries; called from the sweeper tick.
func (t *ErrorTracker) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()
	for key, e := range t.table {
		if e.expires.Before(now) {
			delete(t.table, key)
		}
	}
}
