package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/distr1/nix-scheduler-hook/internal/store"
)

func TestScratchPaths(t *testing.T) {
	root, stderr := ScratchPaths("/var/lib/nsh", "/nix/store/abc-foo.drv")
	if root != "/var/lib/nsh/job-/nix/store/abc-foo.drv.root" {
		t.Errorf("rootPath = %q", root)
	}
	if stderr != "/var/lib/nsh/job-/nix/store/abc-foo.drv.stderr" {
		t.Errorf("jobStderr = %q", stderr)
	}
}

func TestGenScriptEmbedsSentinelAndFeatures(t *testing.T) {
	script := GenScript("ssh-ng://node1", "/nix/store", "/nix/store/abc-foo.drv", "/var/lib/nsh/job.root", []string{"nsh", "big-parallel"})
	if !strings.Contains(script, "@nsh done") {
		t.Errorf("script missing completion sentinel: %s", script)
	}
	if !strings.Contains(script, "nsh big-parallel") {
		t.Errorf("script missing system-features: %s", script)
	}
	if !strings.Contains(script, "--add-root /var/lib/nsh/job.root") {
		t.Errorf("script missing GC root registration: %s", script)
	}
}

func TestBackoffMonotonicallyDoublesAndCaps(t *testing.T) {
	b := NewBackoff(200 * time.Millisecond)
	ctx := context.Background()

	wantNext := []time.Duration{
		50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond,
		200 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond,
	}
	var got []time.Duration
	for i := 0; i < 6; i++ {
		if b.next != wantNext[i] {
			t.Errorf("before sleep %d: next = %v, want %v", i, b.next, wantNext[i])
		}
		start := time.Now()
		if err := b.Sleep(ctx); err != nil {
			t.Fatalf("Sleep: %v", err)
		}
		got = append(got, time.Since(start))
	}

	// Each wait should not exceed the ceiling, and once at the ceiling it
	// should stay there rather than keep doubling.
	for _, d := range got {
		if d > 250*time.Millisecond { // ceiling + generous scheduling slack
			t.Errorf("observed sleep %v exceeds ceiling", d)
		}
	}
}

func TestBackoffRespectsContextCancellation(t *testing.T) {
	b := NewBackoff(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Sleep(ctx); err == nil {
		t.Errorf("expected Sleep to return an error for an already-cancelled context")
	}
}

func TestSubmissionTunables(t *testing.T) {
	drv := &store.Derivation{Env: map[string]string{"extraSlurmParams": `{"partition":"gpu"}`}}
	v, ok := SubmissionTunables(drv, "extraSlurmParams")
	if !ok || v != `{"partition":"gpu"}` {
		t.Errorf("SubmissionTunables = (%q, %v)", v, ok)
	}
	_, ok = SubmissionTunables(drv, "missingKey")
	if ok {
		t.Errorf("expected ok=false for a key absent from the derivation's environment")
	}
	_, ok = SubmissionTunables(nil, "extraSlurmParams")
	if ok {
		t.Errorf("expected ok=false for a nil derivation")
	}
}
