// Package pbs implements the Scheduler Abstraction's PBS variant. The
// original links libtorque's IFL (`pbs_connect`/`pbs_submit`/`pbs_statjob`)
// directly; as with slurmnative, no Go binding for PBS's IFL exists in the
// example corpus, so this backend drives `qsub`/`qstat`/`qdel` over SSH —
// the documented CLI substitution recorded in DESIGN.md.
package pbs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/distr1/nix-scheduler-hook/internal/scheduler"
	"github.com/distr1/nix-scheduler-hook/internal/sshremote"
	"github.com/distr1/nix-scheduler-hook/internal/store"
)

// Config carries the PBS server's SSH endpoint and the derivation store.
type Config struct {
	StateDir       string
	RemoteStore    string
	StoreDir       string
	SystemFeatures []string

	SSH   sshremote.Config
	Store store.Store
}

// Backend implements scheduler.Backend via SSH + PBS CLI.
type Backend struct {
	cfg    Config
	ssh    *sshremote.Master
	job    scheduler.Job
	jobDir string
	closed bool
}

// New dials the PBS server's login node.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	ssh, err := sshremote.Dial(ctx, cfg.SSH)
	if err != nil {
		return nil, xerrors.Errorf("dialing PBS server: %w", err)
	}
	return &Backend{cfg: cfg, ssh: ssh}, nil
}

// Submit mirrors pbs.cpp's PBS::submit: a relative script name (the job
// directory isn't known until the job is running), pbsResources merged in
// as `-l key=value` flags, then a wait for the job to start running before
// resolving the absolute scratch paths under the assigned job directory.
func (b *Backend) Submit(ctx context.Context, drvPath string) (string, error) {
	jobName := "Nix_Build_" + sanitizeJobName(drvPath)
	relRoot := jobName + ".root"

	script := scheduler.GenScript(b.cfg.RemoteStore, b.cfg.StoreDir, drvPath, relRoot, b.cfg.SystemFeatures)
	scriptPath := "/tmp/" + jobName + ".pbsscript"
	if _, err := b.ssh.Run(ctx, "cat > "+quote(scriptPath)+" <<'NSH_EOF'\n"+script+"\nNSH_EOF"); err != nil {
		return "", xerrors.Errorf("writing PBS script: %w", err)
	}

	args := []string{"-N", quote(jobName), "-k", "oe", "-v", quote(scheduler.PathVar())}

	drv, err := b.cfg.Store.ReadDerivation(ctx, drvPath)
	if err != nil {
		return "", xerrors.Errorf("reading derivation %s: %w", drvPath, err)
	}
	if raw, ok := scheduler.SubmissionTunables(drv, "pbsResources"); ok {
		var resources map[string]string
		if err := json.Unmarshal([]byte(raw), &resources); err != nil {
			return "", xerrors.Errorf("parsing pbsResources: %w", err)
		}
		for k, v := range resources {
			args = append(args, "-l", fmt.Sprintf("%s=%s", k, v))
		}
	}
	args = append(args, scriptPath)

	out, err := b.ssh.Run(ctx, "qsub "+strings.Join(args, " "))
	if err != nil {
		return "", xerrors.Errorf("qsub: %w: %s", err, out)
	}
	jobID := strings.TrimSpace(string(out))
	if jobID == "" {
		return "", xerrors.Errorf("qsub returned no job id")
	}
	b.job.ID = jobID
	b.job.Submitted = true

	backoff := scheduler.NewBackoff(time.Second)
	for {
		state, err := b.state(ctx)
		if err != nil {
			return "", err
		}
		if state == "R" {
			break
		}
		if state == "F" {
			return "", xerrors.Errorf("job %s was unexpectedly deleted before it started running", b.job.ID)
		}
		if err := backoff.Sleep(ctx); err != nil {
			return "", err
		}
	}

	jobDir, err := b.attr(ctx, "jobdir")
	if err != nil {
		return "", err
	}
	b.jobDir = jobDir
	jobIDNum := strings.SplitN(b.job.ID, ".", 2)[0]
	b.job.JobStderr = fmt.Sprintf("%s/%s.e%s", jobDir, jobName, jobIDNum)
	b.job.RootPath = fmt.Sprintf("%s/%s.root", jobDir, jobName)

	host, err := b.attr(ctx, "server")
	if err != nil {
		return "", err
	}
	b.job.BatchHost = host
	return host, nil
}

func sanitizeJobName(drvPath string) string {
	return strings.ReplaceAll(strings.TrimPrefix(drvPath, "/nix/store/"), "/", "_")
}

func (b *Backend) state(ctx context.Context) (string, error) {
	out, err := b.ssh.Run(ctx, "qstat -f -F json "+b.job.ID)
	if err != nil {
		return "", xerrors.Errorf("qstat %s: %w", b.job.ID, err)
	}
	return parseQstatAttr(out, "job_state")
}

func (b *Backend) attr(ctx context.Context, attr string) (string, error) {
	backoff := scheduler.NewBackoff(time.Second)
	for {
		out, err := b.ssh.Run(ctx, "qstat -f -F json "+b.job.ID)
		if err != nil {
			return "", xerrors.Errorf("qstat %s: %w", b.job.ID, err)
		}
		v, err := parseQstatAttr(out, attr)
		if err == nil && v != "" {
			return v, nil
		}
		if err := backoff.Sleep(ctx); err != nil {
			return "", err
		}
	}
}

// parseQstatAttr pulls one attribute out of `qstat -f -F json`'s output,
// the CLI's structured-output mode (modern OpenPBS supports -F json),
// standing in for pbs_statjob's attrl chain.
func parseQstatAttr(out []byte, attr string) (string, error) {
	var parsed struct {
		Jobs map[string]map[string]interface{} `json:"Jobs"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return "", xerrors.Errorf("parsing qstat JSON: %w", err)
	}
	for _, job := range parsed.Jobs {
		if v, ok := job[attr]; ok {
			return fmt.Sprint(v), nil
		}
	}
	return "", nil
}

// WaitForCompletion polls until job_state reaches "F" then reads
// exit_status.
func (b *Backend) WaitForCompletion(ctx context.Context) (int, error) {
	backoff := scheduler.NewBackoff(time.Second)
	for {
		state, err := b.state(ctx)
		if err != nil {
			return 0, err
		}
		if state == "F" {
			break
		}
		if err := backoff.Sleep(ctx); err != nil {
			return 0, err
		}
	}
	out, err := b.ssh.Run(ctx, "qstat -f -F json -x "+b.job.ID)
	if err != nil {
		return 0, xerrors.Errorf("qstat -x %s: %w", b.job.ID, err)
	}
	v, err := parseQstatAttr(out, "Exit_status")
	if err != nil {
		return 0, err
	}
	rc, err := strconv.Atoi(v)
	if err != nil {
		return 0, xerrors.Errorf("parsing exit status for %s from %q: %w", b.job.ID, v, err)
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
		// Cancel only while qstat still reports the job and it has not
		// reached "F" (finished).
		if state, err := b.state(ctx); err == nil && state != "" && state != "F" {
			if _, err := b.ssh.Run(ctx, "qdel "+b.job.ID); err != nil {
				firstErr = err
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
