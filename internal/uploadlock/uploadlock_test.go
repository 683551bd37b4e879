package uploadlock

import (
	"strings"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, "ssh-ng://node1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Once released, a fresh Acquire on the same URI must succeed
	// immediately.
	l2, err := Acquire(dir, "ssh-ng://node1")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	defer l2.Release()
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	old := Wait
	Wait = 100 * time.Millisecond
	defer func() { Wait = old }()

	dir := t.TempDir()
	holder, err := Acquire(dir, "ssh-ng://node1")
	if err != nil {
		t.Fatalf("holder Acquire: %v", err)
	}
	defer holder.Release()

	_, err = Acquire(dir, "ssh-ng://node1")
	if !TimedOut(err) {
		t.Errorf("second Acquire err = %v, want a TimedOut sentinel", err)
	}
}

func TestPathEscapesSlashes(t *testing.T) {
	p := path("/tmp/state", "ssh-ng://host/sub/path")
	if strings.Contains(p[len("/tmp/state/current-load/"):], "/") {
		t.Errorf("path %q still contains an unescaped slash in its filename component", p)
	}
}

func TestPathFallsBackToHashWhenTooLong(t *testing.T) {
	longURI := "ssh-ng://" + strings.Repeat("x", 400)
	p := path("/tmp/state", longURI)
	if strings.Contains(p, strings.Repeat("x", 400)) {
		t.Errorf("expected the MD5/base64 fallback name for an overlong URI, got %q", p)
	}
	if !strings.HasSuffix(p, ".upload-lock") {
		t.Errorf("path %q missing .upload-lock suffix", p)
	}
}
