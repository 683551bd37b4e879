// Package scheduler defines the capability set spec.md §4.2 calls the
// Scheduler Abstraction — {submit, waitForCompletion, getJobId,
// streamStderr, cancel} — as a Go interface, plus the helpers every backend
// shares: the scratch-file naming convention, the submission script
// generator, and the exponential-backoff polling policy. The four
// concrete variants live in the slurmrest, slurmnative, pbs and drmaagrid
// subpackages.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/distr1/nix-scheduler-hook/internal/store"
)

// Job is the SchedulerJob data-model entity from spec.md §3.
type Job struct {
	ID        string
	BatchHost string
	RootPath  string
	JobStderr string
	Submitted bool
}

// Backend is the polymorphic scheduler interface spec.md §4.2 describes.
// Per the "Polymorphism" design note in spec.md §9, the variant set is
// closed and chosen by internal/orchestrator's newBackend factory rather
// than left open-ended.
type Backend interface {
	// Submit registers a batch job for drvPath and returns the compute
	// node it was assigned to.
	Submit(ctx context.Context, drvPath string) (host string, err error)
	// WaitForCompletion blocks until the job reaches a terminal state and
	// returns its exit code, or -1 for any non-{completed,failed} terminal
	// state (cancelled, pre-empted, timed-out, aborted, unknown).
	WaitForCompletion(ctx context.Context) (int, error)
	// JobID returns the backend-assigned job identifier.
	JobID() string
	// StreamStderr returns a lazy, restart-safe byte stream tailing the
	// job's stderr on the remote node.
	StreamStderr(ctx context.Context) (io.ReadCloser, error)
	// Close requests cancellation if the job is still live, removes
	// scratch files, and releases backend-side connections. It is safe to
	// call exactly once, and must be, per the "Cleanup completeness"
	// testable property in spec.md §8.
	Close(ctx context.Context) error
}

// pathVar is the PATH the submission script runs with, carried verbatim
// from sched_util.hh's PATH_VAR so generated scripts can find `nix-store`
// on a minimal batch node image.
const pathVar = "PATH=/run/current-system/sw/bin/:/usr/local/bin:/usr/bin:/bin:/nix/var/nix/profiles/default/bin"

// PathVar returns the PATH environment entry submission scripts run with.
func PathVar() string { return pathVar }

// ScratchPaths computes the rootPath/jobStderr scratch-file pair for
// drvPath under stateDir, per spec.md §4.2's "Scratch-file convention."
func ScratchPaths(stateDir, drvPath string) (rootPath, jobStderr string) {
	base := stateDir + "/job-" + drvPath
	return base + ".root", base + ".stderr"
}

// GenScript renders the submission script every backend embeds: wait for
// the derivation to appear in the remote store, realise it onto a
// registered GC root, and emit the sentinel on completion. It factors out
// the scratch-file convention per spec.md §9's "factor into one helper"
// design note, generalizing sched_util.hh's genScript.
func GenScript(remoteStore, storeDir, drvPath, rootPath string, systemFeatures []string) string {
	return fmt.Sprintf(
		"#!/bin/sh\n"+
			"while ! nix-store --store '%s' --query --hash %s/%s >/dev/null 2>&1; do sleep 0.1; done;"+
			"nix-store --store '%s' --realise %s/%s --option system-features '%s' --add-root %s --quiet;"+
			"rc=$?;"+
			"echo '@nsh done' >&2;"+
			"exit $rc",
		remoteStore, storeDir, drvPath,
		remoteStore, storeDir, drvPath,
		strings.Join(systemFeatures, " "),
		rootPath,
	)
}

// Backoff is the shared exponential-backoff polling policy from spec.md
// §4.2: start at 50ms, double each poll, cap at ceiling. Sleep really
// sleeps and returns only an error (ctx's, if it was cancelled first); the
// next duration is kept in the unexported next field.
type Backoff struct {
	Ceiling time.Duration
	next    time.Duration
}

// NewBackoff constructs a Backoff starting at 50ms, capped at ceiling.
func NewBackoff(ceiling time.Duration) *Backoff {
	return &Backoff{Ceiling: ceiling, next: 50 * time.Millisecond}
}

// Sleep blocks for the current backoff duration (unless ctx is done) and
// advances to the next one, doubling up to Ceiling.
func (b *Backoff) Sleep(ctx context.Context) error {
	d := b.next
	if b.next < b.Ceiling {
		b.next *= 2
		if b.next > b.Ceiling {
			b.next = b.Ceiling
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SubmissionTunables extracts the per-derivation scheduling overrides
// spec.md §4.2 documents: whichever of extraSlurmParams / pbsResources /
// slurmNativeConstraints is relevant to the caller's backend, read from
// the derivation's own environment map.
func SubmissionTunables(drv *store.Derivation, key string) (string, bool) {
	if drv == nil {
		return "", false
	}
	v, ok := drv.Env[key]
	return v, ok
}
