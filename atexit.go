package nsh

import (
	"sync"
	"sync/atomic"
)

// teardown is a process-wide registry of cleanup functions.
// cmd/nix-scheduler-hook's main runs them all, in registration order, once
// per process after the orchestrator returns — whether it finished or was
// cancelled. The orchestrator releases its own resources directly (a
// deferred backend Close, an explicit upload-lock Release) and registers
// nothing here.
var teardown struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterCleanup records fn to run during RunCleanups. It panics if called
// after RunCleanups has already started, the same guard distri's
// RegisterAtExit uses to catch cleanup functions that try to register more
// cleanup.
func RegisterCleanup(fn func() error) {
	if atomic.LoadUint32(&teardown.closed) != 0 {
		panic("BUG: RegisterCleanup must not be called from a cleanup func")
	}
	teardown.Lock()
	defer teardown.Unlock()
	teardown.fns = append(teardown.fns, fn)
}

// RunCleanups runs every registered cleanup in registration order, stopping
// at (and returning) the first error. Orchestrator callers run this exactly
// once, whether unwinding normally or in response to cancellation.
func RunCleanups() error {
	atomic.StoreUint32(&teardown.closed, 1)
	for _, fn := range teardown.fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
