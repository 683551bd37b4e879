package store

import "testing"

func TestCLIBinPrefixesRemoteBinDir(t *testing.T) {
	c := &CLI{RemoteNixBinDir: "/opt/nix/bin/"}
	if got, want := c.bin("nix-store"), "/opt/nix/bin/nix-store"; got != want {
		t.Errorf("bin(nix-store) = %q, want %q", got, want)
	}
}

func TestCLIBinDefaultsToBareName(t *testing.T) {
	c := &CLI{}
	if got, want := c.bin("nix-store"), "nix-store"; got != want {
		t.Errorf("bin(nix-store) = %q, want %q", got, want)
	}
}
