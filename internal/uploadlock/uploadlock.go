// Package uploadlock implements the UploadLock data-model entity from
// spec.md §3: an exclusive advisory file lock on
// <stateDir>/current-load/<escaped-store-uri>.upload-lock, held only while
// copyPaths/copyClosure into the remote store are in progress (I2). It
// generalizes main.cpp's openLockFile/lockFile/alarm(15*60) sequence using
// golang.org/x/sys/unix, the same package cmd/autobuilder/autobuilder.go
// uses for low-level syscalls.
package uploadlock

import (
	"crypto/md5"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// nameMax mirrors the original's ENAMETOOLONG guard, but is checked up
// front against the computed lock file name length rather than waiting for the
// syscall to fail — see SPEC_FULL.md §3 for why this is a deliberate
// deviation, not a silent behavior change.
const nameMax = 255

// Wait is the 15-minute bound on lock acquisition from main.cpp's
// alarm(15*60)/signal(SIGALRM) pair. It is a var so tests can shrink it.
var Wait = 15 * time.Minute

// Lock is a held advisory exclusive lock. The zero value is not usable;
// construct with Acquire.
type Lock struct {
	f *os.File
}

// escapeURI mirrors main.cpp's escapeUri: every '/' becomes '_'.
func escapeURI(uri string) string {
	return strings.ReplaceAll(uri, "/", "_")
}

// path computes the lock file path for storeURI under stateDir, falling
// back to the base64-encoded (no padding) MD5 of storeURI when the escaped
// name would exceed nameMax — spec.md's end-to-end scenario 6.
func path(stateDir, storeURI string) string {
	name := escapeURI(storeURI) + ".upload-lock"
	if len(name) > nameMax {
		sum := md5.Sum([]byte(storeURI))
		name = base64.RawURLEncoding.EncodeToString(sum[:]) + ".upload-lock"
	}
	return filepath.Join(stateDir, "current-load", name)
}

// Acquire creates (if needed) and exclusively locks the upload-lock file
// for storeURI under stateDir. It blocks for at most uploadlock.Wait; on
// timeout it logs nothing itself (the caller does, per spec.md's
// UploadLockTimeout policy: "log a warning and continue without blocking
// further") and returns the lock anyway, already held or not — the
// original's semantics are "best effort mutual exclusion," not a hard
// guarantee.
func Acquire(stateDir, storeURI string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Join(stateDir, "current-load"), 0o777); err != nil {
		return nil, xerrors.Errorf("creating current-load directory: %w", err)
	}
	p := path(stateDir, storeURI)

	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, xerrors.Errorf("opening upload lock %s: %w", p, err)
	}

	deadline := time.Now().Add(Wait)
	backoff := 50 * time.Millisecond
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, xerrors.Errorf("flock %s: %w", p, err)
		}
		if time.Now().After(deadline) {
			// UploadLockTimeout: continue without the lock rather than
			// abort the build.
			return &Lock{f: f}, errTimeout
		}
		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

// errTimeout is returned (alongside a usable, unlocked Lock) when Wait
// elapses before the flock succeeds.
var errTimeout = xerrors.New("uploadlock: timed out waiting for the upload lock, continuing without it")

// TimedOut reports whether err is the Acquire timeout sentinel.
func TimedOut(err error) bool { return err == errTimeout }

// Release releases the lock and closes the underlying file descriptor.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
