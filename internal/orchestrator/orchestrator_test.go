package orchestrator

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/distr1/nix-scheduler-hook/internal/config"
	"github.com/distr1/nix-scheduler-hook/internal/nshtest"
	"github.com/distr1/nix-scheduler-hook/internal/protocol"
	"github.com/distr1/nix-scheduler-hook/internal/scheduler"
	"github.com/distr1/nix-scheduler-hook/internal/store"
)

type fakeBackend struct {
	host     string
	rc       int
	waitErr  error
	tailData string
	closed   bool
}

func (f *fakeBackend) Submit(ctx context.Context, drvPath string) (string, error) { return f.host, nil }
func (f *fakeBackend) WaitForCompletion(ctx context.Context) (int, error)         { return f.rc, f.waitErr }
func (f *fakeBackend) JobID() string                                             { return "42" }
func (f *fakeBackend) StreamStderr(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.tailData)), nil
}
func (f *fakeBackend) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

type fakeStore struct {
	outputs map[string]store.DerivationOut
}

func (s *fakeStore) ParseStorePath(ctx context.Context, uri string) (string, error) { return uri, nil }
func (s *fakeStore) ReadDerivation(ctx context.Context, drvPath string) (*store.Derivation, error) {
	return &store.Derivation{Outputs: s.outputs}, nil
}
func (s *fakeStore) CopyPaths(ctx context.Context, to string, paths []string, substitute bool) error {
	return nil
}
func (s *fakeStore) CopyPathsFrom(ctx context.Context, from string, paths []string, substitute bool) error {
	return nil
}
func (s *fakeStore) CopyClosure(ctx context.Context, to string, roots []string, substitute bool) error {
	return nil
}
func (s *fakeStore) QueryRealisation(ctx context.Context, output store.DrvOutput) (*store.Realisation, error) {
	return nil, nil
}
func (s *fakeStore) RegisterDrvOutput(ctx context.Context, r store.Realisation) error { return nil }
func (s *fakeStore) IsValidPath(ctx context.Context, path string) (bool, error)       { return true, nil }
func (s *fakeStore) Connect(ctx context.Context, uri string) error                    { return nil }

func TestHappyPathSlurmREST(t *testing.T) {
	req := &protocol.BuildRequest{
		Settings:      map[string]string{},
		AmWilling:     1,
		NeededSystem:  "x86_64-linux",
		DrvPath:       "/nix/store/abc-foo.drv",
		Inputs:        []string{},
		WantedOutputs: []string{"out"},
	}
	fp := nshtest.NewFakeParent(t, req)
	fb := &fakeBackend{host: "node1", rc: 0, tailData: "build log line\n@nsh done\n"}

	o := &Orchestrator{
		Settings: func() config.Settings {
			s := config.Defaults()
			s.JobScheduler = "slurm"
			s.System = "x86_64-linux"
			return s
		}(),
		Store:      &fakeStore{outputs: map[string]store.DerivationOut{"out": {Path: "/nix/store/out-path"}}},
		Stdin:      fp.Stdin,
		Stderr:     &fp.Stderr,
		FD4:        &fp.FD4,
		FD5:        &fp.FD5,
		Verbosity:  "0",
		NewBackend: func(ctx context.Context) (scheduler.Backend, error) { return fb, nil },
	}

	rc := o.Run(context.Background())
	if rc != 0 {
		t.Fatalf("Run() = %d, want 0; stderr=%s", rc, fp.Stderr.String())
	}
	if !strings.Contains(fp.Stderr.String(), "# accept\nssh-ng://node1\n") {
		t.Errorf("stderr missing accept token: %q", fp.Stderr.String())
	}
	if fp.FD4.String() != "build log line\n" {
		t.Errorf("fd4 = %q, want %q", fp.FD4.String(), "build log line\n")
	}
	if !fb.closed {
		t.Errorf("expected backend.Close to have been called")
	}
}

func TestNonZeroExitCodeIsPropagated(t *testing.T) {
	req := &protocol.BuildRequest{
		NeededSystem:  "x86_64-linux",
		DrvPath:       "/nix/store/abc-foo.drv",
		Inputs:        []string{},
		WantedOutputs: []string{"out"},
	}
	fp := nshtest.NewFakeParent(t, req)
	fb := &fakeBackend{host: "node1", rc: 17, tailData: "@nsh done\n"}

	s := config.Defaults()
	s.System = "x86_64-linux"
	o := &Orchestrator{
		Settings:   s,
		Store:      &fakeStore{outputs: map[string]store.DerivationOut{"out": {Path: "/p"}}},
		Stdin:      fp.Stdin,
		Stderr:     &fp.Stderr,
		FD4:        &fp.FD4,
		FD5:        &fp.FD5,
		NewBackend: func(ctx context.Context) (scheduler.Backend, error) { return fb, nil },
	}

	if rc := o.Run(context.Background()); rc != 17 {
		t.Errorf("Run() = %d, want 17", rc)
	}
}

func TestMismatchedSystemTriggersFallbackPath(t *testing.T) {
	// No real fallback binary is reachable in the test environment, so this
	// just asserts eligibility evaluation routes away from SUBMIT: the
	// backend factory must never be invoked.
	req := &protocol.BuildRequest{
		NeededSystem: "aarch64-linux",
		DrvPath:      "/nix/store/abc-foo.drv",
	}
	fp := nshtest.NewFakeParent(t, req)
	t.Setenv("NIX_BIN_DIR", t.TempDir()) // guarantees locateBuildRemote fails fast

	s := config.Defaults()
	s.System = "x86_64-linux"
	called := false
	o := &Orchestrator{
		Settings: s,
		Stdin:    fp.Stdin,
		Stderr:   &fp.Stderr,
		FD4:      &fp.FD4,
		FD5:      &fp.FD5,
		NewBackend: func(ctx context.Context) (scheduler.Backend, error) {
			called = true
			return nil, nil
		},
	}

	o.Run(context.Background())
	if called {
		t.Errorf("backend factory must not run when the needed system does not match")
	}
}
