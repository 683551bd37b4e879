// Package slurmrest implements the Scheduler Abstraction's SlurmREST
// variant: submission and polling against the Slurm REST API, per spec.md
// §4.2 and grounded directly on original_source/src/slurm.cpp, reshaped
// from a lazily-initialised global RestClient::Connection into an explicit
// per-instance *http.Client, per spec.md §9's "Global singleton
// connections" design note.
package slurmrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/xerrors"

	"github.com/distr1/nix-scheduler-hook/internal/scheduler"
	"github.com/distr1/nix-scheduler-hook/internal/sshremote"
	"github.com/distr1/nix-scheduler-hook/internal/store"
)

const apiPrefix = "/slurm/v0.0.43"

// ErrAuthentication corresponds to SlurmAuthenticationError in slurm.cpp:
// the REST endpoint's literal "Authentication failure" body.
var ErrAuthentication = xerrors.New("slurm REST authentication failure")

// Config carries everything Backend needs to reach the REST endpoint and
// the assigned compute node.
type Config struct {
	APIHost    string
	APIPort    uint
	JWTToken   string
	StateDir   string
	RemoteStore string
	StoreDir    string
	SystemFeatures []string
	ExtraSubmissionParamsJSON string // settings' slurm-extra-submission-params

	SSH sshremote.Config

	Store store.Store
}

// Backend implements scheduler.Backend against the Slurm REST API.
type Backend struct {
	cfg    Config
	client *http.Client
	base   string

	job    scheduler.Job
	ssh    *sshremote.Master
	closed bool
}

// New constructs a Backend. The JWT token is carried as an
// oauth2.StaticTokenSource wrapped in a custom RoundTripper that sets the
// X-SLURM-USER-TOKEN header instead of the "Bearer" Authorization header
// oauth2.Transport would normally produce — the Slurm REST API expects its
// own header name, but the token-carrying shape is exactly
// cmd/autobuilder/autobuilder.go's pattern for a GitHub access token.
func New(cfg Config) *Backend {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.JWTToken})
	return &Backend{
		cfg: cfg,
		client: &http.Client{
			Transport: &slurmTokenTransport{src: src, base: http.DefaultTransport},
		},
		base: fmt.Sprintf("http://%s:%d%s", cfg.APIHost, cfg.APIPort, apiPrefix),
	}
}

type slurmTokenTransport struct {
	src  oauth2.TokenSource
	base http.RoundTripper
}

func (t *slurmTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.src.Token()
	if err != nil {
		return nil, err
	}
	req = req.Clone(req.Context())
	req.Header.Set("X-SLURM-USER-TOKEN", tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	return t.base.RoundTrip(req)
}

type submitRequest struct {
	Job map[string]interface{} `json:"job"`
}

type apiError struct {
	Description string `json:"description"`
	ErrorNumber int     `json:"error_number"`
	Error       string  `json:"error"`
}

type submitResponse struct {
	JobID  int        `json:"job_id"`
	Errors []apiError `json:"errors"`
}

type jobStatusResponse struct {
	Errors []apiError `json:"errors"`
	Jobs   []struct {
		BatchHost string   `json:"batch_host"`
		JobState  []string `json:"job_state"`
		ExitCode  struct {
			ReturnCode struct {
				Set    bool `json:"set"`
				Number int  `json:"number"`
			} `json:"return_code"`
		} `json:"exit_code"`
	} `json:"jobs"`
}

func (b *Backend) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// Submit builds the submission script, merges in per-derivation and
// global tunables, and POSTs to /job/submit, then polls until a batch host
// is assigned — the submit()/getBatchHost loop in slurm.cpp.
func (b *Backend) Submit(ctx context.Context, drvPath string) (string, error) {
	rootPath, jobStderr := scheduler.ScratchPaths(b.cfg.StateDir, drvPath)
	b.job.RootPath, b.job.JobStderr = rootPath, jobStderr

	script := scheduler.GenScript(b.cfg.RemoteStore, b.cfg.StoreDir, drvPath, rootPath, b.cfg.SystemFeatures)

	req := submitRequest{Job: map[string]interface{}{
		"name":                     "Nix Build - " + drvPath,
		"current_working_directory": "/tmp",
		"environment":              []string{scheduler.PathVar()},
		"script":                   script,
		"standard_error":           jobStderr,
	}}

	drv, err := b.cfg.Store.ReadDerivation(ctx, drvPath)
	if err != nil {
		return "", xerrors.Errorf("reading derivation %s: %w", drvPath, err)
	}
	if extra, ok := scheduler.SubmissionTunables(drv, "extraSlurmParams"); ok {
		if err := mergeJSONObject(req.Job, extra); err != nil {
			return "", xerrors.Errorf("parsing extraSlurmParams: %w", err)
		}
	}
	if b.cfg.ExtraSubmissionParamsJSON != "" {
		if err := mergeJSONObject(req.Job, b.cfg.ExtraSubmissionParamsJSON); err != nil {
			return "", xerrors.Errorf("parsing slurm-extra-submission-params: %w", err)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/job/submit", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", xerrors.Errorf("submitting job: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if string(raw) == "Authentication failure" {
		return "", ErrAuthentication
	}
	var sresp submitResponse
	if err := json.Unmarshal(raw, &sresp); err != nil {
		return "", xerrors.Errorf("parsing submit response: %w", err)
	}
	if len(sresp.Errors) > 0 {
		e := sresp.Errors[0]
		return "", xerrors.Errorf("%s (%d): %s", e.Description, e.ErrorNumber, e.Error)
	}
	b.job.ID = fmt.Sprint(sresp.JobID)
	b.job.Submitted = true

	backoff := scheduler.NewBackoff(time.Second)
	for {
		var qresp jobStatusResponse
		if err := b.get(ctx, "/job/"+b.job.ID, &qresp); err != nil {
			return "", xerrors.Errorf("querying job %s: %w", b.job.ID, err)
		}
		if len(qresp.Errors) > 0 {
			e := qresp.Errors[0]
			return "", xerrors.Errorf("%s (%d): %s", e.Description, e.ErrorNumber, e.Error)
		}
		if len(qresp.Jobs) == 1 && qresp.Jobs[0].BatchHost != "" {
			b.job.BatchHost = qresp.Jobs[0].BatchHost
			break
		}
		if err := backoff.Sleep(ctx); err != nil {
			return "", err
		}
	}

	ssh, err := sshremote.Dial(ctx, withHost(b.cfg.SSH, b.job.BatchHost))
	if err != nil {
		return "", xerrors.Errorf("dialing assigned host %s for job %s: %w", b.job.BatchHost, b.job.ID, err)
	}
	b.ssh = ssh

	return b.job.BatchHost, nil
}

func withHost(cfg sshremote.Config, host string) sshremote.Config {
	cfg.Host = host
	return cfg
}

func mergeJSONObject(into map[string]interface{}, raw string) error {
	var extra map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &extra); err != nil {
		return err
	}
	for k, v := range extra {
		into[k] = v
	}
	return nil
}

func isLive(state string) bool {
	return state == "PENDING" || state == "RUNNING"
}

// WaitForCompletion polls job state (2s-capped backoff) until terminal,
// then resolves the exit code (4s-capped backoff for the return-code poll,
// gated by exit_code.return_code.set) — slurm.cpp's
// getJobState/getJobReturnCode pair.
func (b *Backend) WaitForCompletion(ctx context.Context) (int, error) {
	stateBackoff := scheduler.NewBackoff(2 * time.Second)
	var state string
	for {
		var qresp jobStatusResponse
		if err := b.get(ctx, "/job/"+b.job.ID, &qresp); err != nil {
			return 0, xerrors.Errorf("polling job %s state: %w", b.job.ID, err)
		}
		if len(qresp.Errors) > 0 {
			e := qresp.Errors[0]
			return 0, xerrors.Errorf("%s (%d): %s", e.Description, e.ErrorNumber, e.Error)
		}
		if len(qresp.Jobs) != 1 {
			if err := stateBackoff.Sleep(ctx); err != nil {
				return 0, err
			}
			continue
		}
		state = first(qresp.Jobs[0].JobState)
		if !isLive(state) {
			break
		}
		if err := stateBackoff.Sleep(ctx); err != nil {
			return 0, err
		}
	}
	if state != "COMPLETED" && state != "FAILED" {
		return -1, nil
	}

	rcBackoff := scheduler.NewBackoff(4 * time.Second)
	for {
		var qresp jobStatusResponse
		if err := b.get(ctx, "/job/"+b.job.ID, &qresp); err != nil {
			return 0, xerrors.Errorf("polling job %s exit code: %w", b.job.ID, err)
		}
		if len(qresp.Errors) > 0 {
			e := qresp.Errors[0]
			return 0, xerrors.Errorf("%s (%d): %s", e.Description, e.ErrorNumber, e.Error)
		}
		if len(qresp.Jobs) == 1 && qresp.Jobs[0].ExitCode.ReturnCode.Set {
			return qresp.Jobs[0].ExitCode.ReturnCode.Number, nil
		}
		if err := rcBackoff.Sleep(ctx); err != nil {
			return 0, err
		}
	}
}

func first(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func (b *Backend) JobID() string { return b.job.ID }

func (b *Backend) StreamStderr(ctx context.Context) (io.ReadCloser, error) {
	return b.ssh.Tail(b.job.JobStderr)
}

// Close issues a cancellation DELETE if the job is still live, removes
// scratch files, then closes the SSH master — Slurm::~Slurm() generalized
// per spec.md §8's "Cleanup completeness" property.
func (b *Backend) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	if b.job.ID != "" {
		var qresp jobStatusResponse
		if err := b.get(ctx, "/job/"+b.job.ID, &qresp); err == nil &&
			len(qresp.Jobs) == 1 && isLive(first(qresp.Jobs[0].JobState)) {
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.base+"/job/"+b.job.ID, nil)
			if err == nil {
				if resp, err := b.client.Do(req); err == nil {
					resp.Body.Close()
				} else {
					firstErr = err
				}
			}
		}
	}
	if b.ssh != nil {
		if err := b.ssh.RemoveScratch(ctx, b.job.RootPath, b.job.JobStderr); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := b.ssh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
