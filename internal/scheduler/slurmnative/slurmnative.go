// Package slurmnative implements the Scheduler Abstraction's SlurmNative
// variant. The original links libslurm's C API directly; no Go binding for
// it exists anywhere in the example corpus, and fabricating a cgo stub
// would violate the "no hand-written module stubs" rule, so this backend
// drives the same operations through the `sbatch`/`squeue`/`scancel` CLI
// over the dedicated SSH master (internal/sshremote) instead — a
// documented substitution, recorded in DESIGN.md, not a silent one.
package slurmnative

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/distr1/nix-scheduler-hook/internal/scheduler"
	"github.com/distr1/nix-scheduler-hook/internal/sshremote"
	"github.com/distr1/nix-scheduler-hook/internal/store"
)

// Config carries the login-node SSH connection and derivation store the
// backend submits jobs through.
type Config struct {
	StateDir       string
	RemoteStore    string
	StoreDir       string
	SystemFeatures []string
	SlurmConf      string // optional slurm-conf setting; exported as SLURM_CONF

	SSH   sshremote.Config
	Store store.Store
}

// Backend implements scheduler.Backend via SSH + Slurm CLI.
type Backend struct {
	cfg  Config
	ssh  *sshremote.Master
	job  scheduler.Job
	closed bool
}

// New dials the SSH master used both for submission and for all later
// polling/tailing/cleanup — one connection per job, per spec.md §5's
// shared-resource policy.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	ssh, err := sshremote.Dial(ctx, cfg.SSH)
	if err != nil {
		return nil, xerrors.Errorf("dialing slurm login node: %w", err)
	}
	return &Backend{cfg: cfg, ssh: ssh}, nil
}

func (b *Backend) env() string {
	if b.cfg.SlurmConf == "" {
		return ""
	}
	return "SLURM_CONF=" + strconv.Quote(b.cfg.SlurmConf) + " "
}

// Submit writes the generated script to a remote scratch path and submits
// it with sbatch, merging slurmNativeConstraints {cpus, memPerNode,
// memPerCPU} into --cpus-per-task/--mem/--mem-per-cpu, then polls squeue
// for the assigned node (BatchHost) — the CLI equivalent of
// slurm-native.cpp's libslurm submission.
func (b *Backend) Submit(ctx context.Context, drvPath string) (string, error) {
	rootPath, jobStderr := scheduler.ScratchPaths(b.cfg.StateDir, drvPath)
	b.job.RootPath, b.job.JobStderr = rootPath, jobStderr
	scriptPath := rootPath + ".sbatch"

	script := scheduler.GenScript(b.cfg.RemoteStore, b.cfg.StoreDir, drvPath, rootPath, b.cfg.SystemFeatures)
	if _, err := b.ssh.Run(ctx, "cat > "+quote(scriptPath)+" <<'NSH_EOF'\n"+script+"\nNSH_EOF\nchmod +x "+quote(scriptPath)); err != nil {
		return "", xerrors.Errorf("writing submission script: %w", err)
	}

	args := []string{"--parsable", "-e", quote(jobStderr), "-J", quote("Nix Build - " + drvPath)}

	drv, err := b.cfg.Store.ReadDerivation(ctx, drvPath)
	if err != nil {
		return "", xerrors.Errorf("reading derivation %s: %w", drvPath, err)
	}
	if raw, ok := scheduler.SubmissionTunables(drv, "slurmNativeConstraints"); ok {
		var constraints struct {
			CPUs       *int    `json:"cpus"`
			MemPerNode *string `json:"memPerNode"`
			MemPerCPU  *string `json:"memPerCPU"`
		}
		if err := json.Unmarshal([]byte(raw), &constraints); err != nil {
			return "", xerrors.Errorf("parsing slurmNativeConstraints: %w", err)
		}
		if constraints.CPUs != nil {
			if *constraints.CPUs <= 0 {
				return "", xerrors.Errorf("slurmNativeConstraints.cpus must be positive, got %d", *constraints.CPUs)
			}
			args = append(args, "--cpus-per-task", strconv.Itoa(*constraints.CPUs))
		}
		if constraints.MemPerNode != nil {
			args = append(args, "--mem", *constraints.MemPerNode)
		}
		if constraints.MemPerCPU != nil {
			args = append(args, "--mem-per-cpu", *constraints.MemPerCPU)
		}
	}
	args = append(args, scriptPath)

	out, err := b.ssh.Run(ctx, b.env()+"sbatch "+strings.Join(args, " "))
	if err != nil {
		return "", xerrors.Errorf("sbatch: %w: %s", err, out)
	}
	jobID := strings.TrimSpace(strings.SplitN(string(out), ";", 2)[0])
	if jobID == "" {
		return "", xerrors.Errorf("sbatch returned no job id: %s", out)
	}
	b.job.ID = jobID
	b.job.Submitted = true

	backoff := scheduler.NewBackoff(time.Second)
	for {
		host, state, err := b.query(ctx)
		if err != nil {
			return "", err
		}
		if host != "" {
			b.job.BatchHost = host
			return host, nil
		}
		if !isLive(state) {
			return "", xerrors.Errorf("job %s left the queue (%s) before a node was assigned", b.job.ID, state)
		}
		if err := backoff.Sleep(ctx); err != nil {
			return "", err
		}
	}
}

// query runs `squeue` for the job and returns (batch host, state).
func (b *Backend) query(ctx context.Context) (host, state string, err error) {
	out, err := b.ssh.Run(ctx, b.env()+"squeue -j "+b.job.ID+" -h -o '%N|%T'")
	if err != nil {
		return "", "", xerrors.Errorf("squeue %s: %w", b.job.ID, err)
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", "COMPLETED", nil // squeue drops terminal jobs quickly
	}
	fields := strings.SplitN(line, "|", 2)
	if len(fields) != 2 {
		return "", "", xerrors.Errorf("unexpected squeue output for %s: %q", b.job.ID, line)
	}
	return fields[0], fields[1], nil
}

func isLive(state string) bool {
	return state == "PENDING" || state == "RUNNING"
}

// WaitForCompletion polls squeue until the job leaves the live set, then
// reads its exit code via `sacct`.
func (b *Backend) WaitForCompletion(ctx context.Context) (int, error) {
	backoff := scheduler.NewBackoff(2 * time.Second)
	var state string
	for {
		_, s, err := b.query(ctx)
		if err != nil {
			return 0, err
		}
		state = s
		if !isLive(state) {
			break
		}
		if err := backoff.Sleep(ctx); err != nil {
			return 0, err
		}
	}
	if state != "COMPLETED" && state != "FAILED" {
		return -1, nil
	}

	out, err := b.ssh.Run(ctx, "sacct -j "+b.job.ID+" -X -n -o ExitCode")
	if err != nil {
		return 0, xerrors.Errorf("sacct %s: %w", b.job.ID, err)
	}
	code := strings.TrimSpace(strings.SplitN(strings.TrimSpace(string(out)), ":", 2)[0])
	rc, err := strconv.Atoi(code)
	if err != nil {
		return 0, xerrors.Errorf("parsing exit code for %s from %q: %w", b.job.ID, out, err)
	}
	return rc, nil
}

func (b *Backend) JobID() string { return b.job.ID }

func (b *Backend) StreamStderr(ctx context.Context) (io.ReadCloser, error) {
	return b.ssh.Tail(b.job.JobStderr)
}

func (b *Backend) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	if b.job.ID != "" {
		if _, _, err := b.query(ctx); err == nil {
			if host, state, _ := b.query(ctx); host != "" || isLive(state) {
				if _, err := b.ssh.Run(ctx, "scancel "+b.job.ID); err != nil {
					firstErr = err
				}
			}
		}
	}
	if err := b.ssh.RemoveScratch(ctx, b.job.RootPath, b.job.JobStderr); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := b.ssh.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
