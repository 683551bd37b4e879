package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	if d.JobScheduler != "slurm" {
		t.Errorf("JobScheduler = %q, want slurm", d.JobScheduler)
	}
	if d.System != "x86_64-linux" {
		t.Errorf("System = %q, want x86_64-linux", d.System)
	}
	if !d.HasFeature("nsh") {
		t.Errorf("expected default system-features to include nsh")
	}
}

func TestXDGPrecedenceReversed(t *testing.T) {
	// The most-specific directory (XDG_CONFIG_HOME) must win: its
	// nsh.conf is applied LAST in Load's loop, matching the original's
	// rbegin()..rend() iteration.
	home := t.TempDir()
	sys := t.TempDir()

	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("XDG_CONFIG_DIRS", sys)
	t.Setenv("NIX_CONF_DIR", t.TempDir())

	writeFile(t, filepath.Join(home, "nsh.conf"), "system = from-home\n")
	writeFile(t, filepath.Join(sys, "nsh.conf"), "system = from-sys\n")

	s, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.System != "from-home" {
		t.Errorf("System = %q, want from-home (most-specific XDG dir must win)", s.System)
	}
}

func TestNSHUserConfFilesOverridesXDG(t *testing.T) {
	a := filepath.Join(t.TempDir(), "a.conf")
	b := filepath.Join(t.TempDir(), "b.conf")
	writeFile(t, a, "system = sys-a\n")
	writeFile(t, b, "system = sys-b\n")
	xdg := t.TempDir()
	writeFile(t, filepath.Join(xdg, "nsh.conf"), "system = from-xdg\n")
	t.Setenv("XDG_CONFIG_HOME", xdg)

	t.Setenv("NSH_USER_CONF_FILES", a+":"+b)
	t.Setenv("NIX_CONF_DIR", t.TempDir())

	s, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.System != "sys-b" {
		t.Errorf("System = %q, want sys-b (last file listed wins)", s.System)
	}
}

func TestInlineConfigAndOverridesApplyLast(t *testing.T) {
	t.Setenv("NIX_CONF_DIR", t.TempDir())
	t.Setenv("NSH_USER_CONF_FILES", "")
	t.Setenv("NSH_CONFIG", "system = from-inline\njob-scheduler = pbs\n")

	s, err := Load(map[string]string{"system": "from-override"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.System != "from-override" {
		t.Errorf("System = %q, want from-override (inherited settings win over everything)", s.System)
	}
	if s.JobScheduler != "pbs" {
		t.Errorf("JobScheduler = %q, want pbs", s.JobScheduler)
	}
}

func TestApplyParsesTypedKeys(t *testing.T) {
	s := Defaults()
	if err := s.ApplyOverrides(map[string]string{
		"slurm-api-port":          "7000",
		"system-features":         "nsh big-parallel",
		"max-log-size":            "1048576",
		"builders-use-substitutes": "true",
	}); err != nil {
		t.Fatalf("ApplyOverrides: %v", err)
	}
	if s.SlurmAPIPort != 7000 {
		t.Errorf("SlurmAPIPort = %d, want 7000", s.SlurmAPIPort)
	}
	want := []string{"nsh", "big-parallel"}
	if diff := cmp.Diff(want, s.SystemFeatures); diff != "" {
		t.Errorf("SystemFeatures mismatch (-want +got):\n%s", diff)
	}
	if s.MaxLogSize != 1048576 {
		t.Errorf("MaxLogSize = %d, want 1048576", s.MaxLogSize)
	}
	if !s.BuildersUseSubstitutes {
		t.Errorf("BuildersUseSubstitutes = false, want true")
	}
}

func TestApplyRejectsMalformedInt(t *testing.T) {
	s := Defaults()
	if err := s.ApplyOverrides(map[string]string{"slurm-api-port": "not-a-number"}); err == nil {
		t.Fatalf("expected an error for a non-numeric slurm-api-port")
	}
}

func writeFile(t testing.TB, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}
