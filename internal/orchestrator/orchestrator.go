// Package orchestrator implements the top-level state machine from
// spec.md §4.5, tying configuration, the parent protocol, the scheduler
// abstraction, the log sanitizer and the fallback driver together for one
// derivation. It is grounded directly on main.cpp's single long `main`
// function, reshaped into named stages per spec.md §9's "Re-architect as
// an explicit resource" note and using golang.org/x/sync/errgroup for the
// main-task/tail-task pair spec.md §5 describes.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/distr1/nix-scheduler-hook"
	"github.com/distr1/nix-scheduler-hook/internal/config"
	"github.com/distr1/nix-scheduler-hook/internal/fallback"
	"github.com/distr1/nix-scheduler-hook/internal/logsanitizer"
	"github.com/distr1/nix-scheduler-hook/internal/protocol"
	"github.com/distr1/nix-scheduler-hook/internal/scheduler"
	"github.com/distr1/nix-scheduler-hook/internal/scheduler/drmaagrid"
	"github.com/distr1/nix-scheduler-hook/internal/scheduler/pbs"
	"github.com/distr1/nix-scheduler-hook/internal/scheduler/slurmnative"
	"github.com/distr1/nix-scheduler-hook/internal/scheduler/slurmrest"
	"github.com/distr1/nix-scheduler-hook/internal/sshremote"
	"github.com/distr1/nix-scheduler-hook/internal/store"
	"github.com/distr1/nix-scheduler-hook/internal/uploadlock"
)

// Orchestrator holds everything one invocation's state machine needs.
type Orchestrator struct {
	Settings config.Settings
	Store    store.Store

	Stdin  io.Reader // parent's protocol stream
	Stderr io.Writer // decision tokens + diagnostics
	FD4    io.Writer // build-log sideband
	FD5    io.Reader // supplementary diagnostic channel

	Verbosity string

	// NewBackend, when set, is used instead of the real scheduler-selection
	// factory (newBackend). Tests use this to substitute a fake
	// scheduler.Backend without dialing a real cluster.
	NewBackend func(ctx context.Context) (scheduler.Backend, error)
}

// Run executes the full state machine and returns the process exit code
// spec.md §6 documents.
func (o *Orchestrator) Run(ctx context.Context) int {
	pr := protocol.NewReader(o.Stdin)
	pw := protocol.NewWriter(o.Stderr)

	req, err := pr.ReadHeader()
	if err != nil {
		// ProtocolEOF / "parent didn't say try": exit 0 silently, per
		// spec.md §7.
		return nsh.ExitSuccess
	}

	// The parent's inherited settings (spec.md §4.1 step 1) are the most
	// specific source in the precedence chain and are applied last, now
	// that the header carrying them has actually been read.
	if err := o.Settings.ApplyOverrides(req.Settings); err != nil {
		log.Printf("NSH Error: applying inherited settings: %v", err)
		pw.DeclinePermanently()
		return nsh.ExitSuccess
	}

	// EVAL_ELIGIBILITY
	tryFallback := false
	if req.NeededSystem != o.Settings.System {
		log.Printf("needed system %s does not match our system %s", req.NeededSystem, o.Settings.System)
		tryFallback = true
	}
	for _, feature := range req.RequiredFeatures {
		if !o.Settings.HasFeature(feature) {
			log.Printf("required feature %s not available, available features: %s", feature, strings.Join(o.Settings.SystemFeatures, ", "))
			tryFallback = true
		}
	}
	if tryFallback {
		rc, err := fallback.Run(ctx, o.Verbosity, req, pr)
		if err != nil {
			log.Printf("NSH Error: unable to fallback to normal build hook: %v", err)
			pw.Decline()
			return nsh.ExitSuccess
		}
		return rc
	}

	// SUBMIT
	newBackend := o.NewBackend
	if newBackend == nil {
		newBackend = o.newBackend
	}
	backend, err := newBackend(ctx)
	if err != nil {
		log.Printf("NSH Error: %v", err)
		pw.DeclinePermanently()
		return nsh.ExitSuccess
	}

	host, err := backend.Submit(ctx, req.DrvPath)
	if err != nil {
		log.Printf("NSH Error: error when attempting to build derivation on %s: %v", o.Settings.JobScheduler, err)
		pw.DeclinePermanently()
		return nsh.ExitSuccess
	}
	defer backend.Close(context.Background()) // cleanup must run on every exit path, including cancellation

	storeURI := "ssh-ng://" + host

	// CONNECT_REMOTE
	if err := o.Store.Connect(ctx, storeURI); err != nil {
		diag := protocol.DrainDiagnostic(o.FD5)
		msg := fmt.Sprintf("NSH Error: cannot build on '%s': %v", storeURI, err)
		if diag != "" {
			msg += ": " + diag
		}
		log.Print(msg)
		pw.Decline()
		return nsh.ExitSuccess
	}

	// ACCEPT — point of no return.
	if err := pw.Accept(storeURI); err != nil {
		log.Printf("NSH Error: writing accept token: %v", err)
		return nsh.ExitOrchestratorError
	}

	// READ_PATHS
	if err := pr.ReadPaths(req); err != nil {
		log.Printf("NSH Error: reading inputs/wantedOutputs: %v", err)
		return nsh.ExitOrchestratorError
	}

	// LOCK
	lock, err := uploadlock.Acquire(o.Settings.StateDir, storeURI)
	if err != nil && !uploadlock.TimedOut(err) {
		log.Printf("NSH Error: acquiring upload lock for %s: %v", storeURI, err)
		return nsh.ExitOrchestratorError
	}
	if uploadlock.TimedOut(err) {
		log.Printf("NSH Error: somebody is hogging the upload lock for '%s', continuing...", storeURI)
	}

	// COPY_IN
	substitute := o.Settings.BuildersUseSubstitutes
	if err := o.Store.CopyPaths(ctx, storeURI, req.Inputs, substitute); err != nil {
		lock.Release()
		log.Printf("NSH Error: error when attempting to copy build dependencies: %v", err)
		pw.DeclinePermanently()
		return nsh.ExitSuccess
	}
	if err := o.Store.CopyClosure(ctx, storeURI, []string{req.DrvPath}, substitute); err != nil {
		lock.Release()
		log.Printf("NSH Error: error when attempting to copy root derivation closure: %v", err)
		pw.DeclinePermanently()
		return nsh.ExitSuccess
	}
	lock.Release() // released as soon as COPY_IN completes (I2)

	// START_TAIL ∥ WAIT_JOB
	var abnormalEnd atomic.Bool
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return o.tailLog(egCtx, backend, &abnormalEnd)
	})

	var rc int
	var waitErr error
	eg.Go(func() error {
		rc, waitErr = backend.WaitForCompletion(egCtx)
		abnormalEnd.Store(waitErr != nil || rc == -1 || rc != 0)
		return nil
	})

	tailErr := eg.Wait() // tail joins strictly before COPY_OUT starts

	// A TerminateSignal while WAIT_JOB was blocked surfaces here as a
	// wrapped context.Canceled from WaitForCompletion/StreamStderr, not as
	// a real job or log failure. spec.md §5/§7 call for unwinding cleanly
	// and exiting 0 in that case, not the orchestrator-error exit code.
	if ctx.Err() != nil {
		log.Printf("NSH Error: cancelled while waiting for job %s: %v", backend.JobID(), ctx.Err())
		return nsh.ExitSuccess
	}

	if waitErr != nil {
		log.Printf("NSH Error: error while waiting for job %s termination: %v", backend.JobID(), waitErr)
		return nsh.ExitOrchestratorError
	}
	if rc == -1 {
		log.Printf("NSH Error: job %s abnormally terminated.", backend.JobID())
		return nsh.ExitOrchestratorError
	}
	if tailErr != nil {
		if tailErr == logsanitizer.ErrLogLimitExceeded {
			log.Printf("NSH Error: job %s exceeded the configured log size limit", backend.JobID())
		} else {
			log.Printf("NSH Error: streaming job %s log: %v", backend.JobID(), tailErr)
		}
		return nsh.ExitOrchestratorError
	}
	if rc != 0 {
		log.Printf("build failed with exit code %d", rc)
		return rc
	}

	// COPY_OUT / REGISTER_REALISATIONS
	if err := o.copyOut(ctx, storeURI, req); err != nil {
		if ctx.Err() != nil {
			log.Printf("NSH Error: cancelled during copy-out: %v", ctx.Err())
			return nsh.ExitSuccess
		}
		log.Printf("NSH Error: copying outputs: %v", err)
		return nsh.ExitOrchestratorError
	}

	return nsh.ExitSuccess
}

// tailLog reads the job's stderr through the backend's tail stream, feeds
// it through the log sanitizer, and writes canonicalised lines to FD4.
// It stops when the sanitizer reports the sentinel, or drains once more
// and returns when abnormalEnd has been set by the main task.
func (o *Orchestrator) tailLog(ctx context.Context, backend scheduler.Backend, abnormalEnd *atomic.Bool) error {
	stream, err := backend.StreamStderr(ctx)
	if err != nil {
		return xerrors.Errorf("opening tail stream: %w", err)
	}
	defer stream.Close()

	state := &logsanitizer.State{MaxSize: o.Settings.MaxLogSize}
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := stream.Read(buf)
		if n > 0 {
			var emitErr error
			terminated, werr := state.Write(buf[:n], func(line string) {
				if _, e := io.WriteString(o.FD4, line+"\n"); e != nil {
					emitErr = e
				}
			})
			if werr != nil {
				return werr
			}
			if emitErr != nil {
				return emitErr
			}
			if terminated {
				return nil
			}
		}
		if n == 0 {
			if abnormalEnd.Load() {
				return nil
			}
			if err == io.EOF {
				return nil
			}
		}
		if err != nil && err != io.EOF {
			return xerrors.Errorf("reading tail stream: %w", err)
		}
	}
}

// newBackend dispatches on Settings.JobScheduler per spec.md §4.5's SUBMIT
// transition and §9's closed, tagged-variant design note.
func (o *Orchestrator) newBackend(ctx context.Context) (scheduler.Backend, error) {
	switch nsh.SchedulerKind(o.Settings.JobScheduler) {
	case nsh.SchedulerSlurmREST:
		return slurmrest.New(slurmrest.Config{
			APIHost:                   o.Settings.SlurmAPIHost,
			APIPort:                   o.Settings.SlurmAPIPort,
			JWTToken:                  o.Settings.SlurmJWTToken,
			StateDir:                  o.Settings.StateDir,
			RemoteStore:               o.Settings.RemoteStore,
			StoreDir:                  o.Settings.StoreDir,
			SystemFeatures:            o.Settings.SystemFeatures,
			ExtraSubmissionParamsJSON: o.Settings.SlurmExtraSubmissionParams,
			SSH:                       o.sshConfig(""),
			Store:                     o.Store,
		}), nil
	case nsh.SchedulerSlurmNative:
		return slurmnative.New(ctx, slurmnative.Config{
			StateDir:       o.Settings.StateDir,
			RemoteStore:    o.Settings.RemoteStore,
			StoreDir:       o.Settings.StoreDir,
			SystemFeatures: o.Settings.SystemFeatures,
			SlurmConf:      o.Settings.SlurmConf,
			SSH:            o.sshConfig(o.Settings.SlurmAPIHost),
			Store:          o.Store,
		})
	case nsh.SchedulerPBS:
		return pbs.New(ctx, pbs.Config{
			StateDir:       o.Settings.StateDir,
			RemoteStore:    o.Settings.RemoteStore,
			StoreDir:       o.Settings.StoreDir,
			SystemFeatures: o.Settings.SystemFeatures,
			SSH:            o.sshConfig(o.Settings.PBSHost),
			Store:          o.Store,
		})
	case nsh.SchedulerDRMAAGrid:
		return drmaagrid.New(ctx, drmaagrid.Config{
			StateDir:       o.Settings.StateDir,
			RemoteStore:    o.Settings.RemoteStore,
			StoreDir:       o.Settings.StoreDir,
			SystemFeatures: o.Settings.SystemFeatures,
			SSH:            o.sshConfig(o.Settings.GridHost),
		})
	default:
		return nil, xerrors.Errorf("unsupported job scheduler %q", o.Settings.JobScheduler)
	}
}

func (o *Orchestrator) sshConfig(host string) sshremote.Config {
	return sshremote.Config{
		Host:            host,
		Port:            int(o.Settings.SSHPort),
		User:            o.Settings.SSHUser,
		PrivateKeyPath:  o.Settings.SSHPrivateKeyPath,
		Password:        o.Settings.SSHPassword,
		HostKeyCallback: o.Settings.SSHHostKeyCallback,
		KnownHostsPath:  o.Settings.SSHKnownHostsPath,
	}
}

// copyOut implements COPY_OUT/REGISTER_REALISATIONS: resolve missing
// outputs (by realisation for content-addressed derivations, by path
// otherwise), copy them back with no-substitute semantics, then register
// any realisations that were missing. Per spec.md §9's Open Question, this
// records the DrvOutput id and lets QueryRealisation resolve it instead of
// dereferencing a realisation that was never found — the corrected
// behavior, not a copy of main.cpp's latent null-dereference bug.
func (o *Orchestrator) copyOut(ctx context.Context, storeURI string, req *protocol.BuildRequest) error {
	drv, err := o.Store.ReadDerivation(ctx, req.DrvPath)
	if err != nil {
		return xerrors.Errorf("reading derivation %s: %w", req.DrvPath, err)
	}

	var missingPaths []string
	var missingRealisations []store.DrvOutput

	for name, out := range drv.Outputs {
		wanted := len(req.WantedOutputs) == 0
		for _, w := range req.WantedOutputs {
			if w == name {
				wanted = true
				break
			}
		}
		if !wanted {
			continue
		}
		if out.Path == "" {
			// Content-addressed, output path not known up front: resolve
			// via realisation lookup instead of assuming a path exists.
			missingRealisations = append(missingRealisations, store.DrvOutput{OutputName: name})
			continue
		}
		valid, err := o.Store.IsValidPath(ctx, out.Path)
		if err != nil {
			return xerrors.Errorf("checking validity of %s: %w", out.Path, err)
		}
		if !valid {
			missingPaths = append(missingPaths, out.Path)
		}
	}

	for i, d := range missingRealisations {
		r, err := o.Store.QueryRealisation(ctx, d)
		if err != nil {
			return xerrors.Errorf("querying realisation for output %s: %w", d.OutputName, err)
		}
		if r == nil {
			continue // genuinely not yet realised; nothing to copy back for this output
		}
		missingRealisations[i] = r.Output
		missingPaths = append(missingPaths, r.OutPath)
	}

	if len(missingPaths) > 0 {
		if err := o.Store.CopyPathsFrom(ctx, storeURI, missingPaths, false); err != nil {
			return xerrors.Errorf("copying outputs from %s: %w", storeURI, err)
		}
	}

	for _, d := range missingRealisations {
		r, err := o.Store.QueryRealisation(ctx, d)
		if err != nil || r == nil {
			continue
		}
		if err := o.Store.RegisterDrvOutput(ctx, *r); err != nil {
			return xerrors.Errorf("registering realisation for output %s: %w", d.OutputName, err)
		}
	}
	return nil
}
