// Package nsh holds the small pieces of shared state that every layer of the
// scheduler hook needs: the wire sentinel that marks a clean remote build,
// well-known exit codes, and the cooperative cleanup/cancellation machinery
// described in spec.md §5 and §9.
package nsh

// LogTerminator is the sentinel line the remote submission script writes to
// the job's stderr to mark clean completion of the on-node build and log
// flush. The log sanitizer stops consuming on this line; the scheduler
// backends embed it verbatim in the scripts they generate.
const LogTerminator = "@nsh done"

// Exit codes returned by cmd/nix-scheduler-hook's main, per spec.md §6.
const (
	ExitSuccess = 0
	// ExitOrchestratorError is used for fatal orchestrator-level errors after
	// the job has been accepted (log limit exceeded, abnormal job
	// termination, fatal copy-out failure).
	ExitOrchestratorError = 1
)

// SchedulerKind names one of the four scheduler backends spec.md §4.2
// enumerates. It is a closed set, known at compile time — the "tagged
// variant" the design notes in spec.md §9 call for.
type SchedulerKind string

const (
	SchedulerSlurmREST   SchedulerKind = "slurm"
	SchedulerSlurmNative SchedulerKind = "slurm-native"
	SchedulerPBS         SchedulerKind = "pbs"
	SchedulerDRMAAGrid   SchedulerKind = "grid"
)
