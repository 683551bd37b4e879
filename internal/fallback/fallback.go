// Package fallback implements the Fallback Hook Driver from spec.md §4.4:
// when this hook cannot serve a derivation, it spawns the parent daemon's
// default build-remote program and replays the inbound protocol toward it
// verbatim, returning the child's exit code. Grounded directly on
// main.cpp's FallbackHookInstance.
package fallback

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/distr1/nix-scheduler-hook/internal/protocol"
)

// locateBuildRemote finds the daemon's default hook: $NIX_BIN_DIR/nix if
// NIX_BIN_DIR is set, else the first `nix` found on $PATH, else a bare
// `nix`. If starting that program fails, Run falls back to libexecFallback
// — together, main.cpp's getBuildRemoteFromNixBin logic.
func locateBuildRemote(verbosity string) (name string, args []string) {
	if dir := os.Getenv("NIX_BIN_DIR"); dir != "" {
		return filepath.Join(dir, "nix"), []string{"__build-remote", verbosity}
	}
	if pathEnv := os.Getenv("PATH"); pathEnv != "" {
		for _, dir := range filepath.SplitList(pathEnv) {
			candidate := filepath.Join(dir, "nix")
			if _, err := os.Stat(candidate); err == nil {
				return candidate, []string{"__build-remote", verbosity}
			}
		}
	}
	return "nix", []string{"__build-remote", verbosity}
}

// libexecFallback resolves nixBin's symlink target (if any) and returns
// <target's parent's parent>/libexec/nix/build-remote, mirroring
// getBuildRemoteFromNixBin.
func libexecFallback(nixBin, verbosity string) (name string, args []string) {
	resolved := nixBin
	if target, err := filepath.EvalSymlinks(nixBin); err == nil {
		resolved = target
	}
	dir := filepath.Dir(filepath.Dir(resolved))
	return filepath.Join(dir, "libexec", "nix", "build-remote"), []string{verbosity}
}

// Run spawns the fallback hook and replays the protocol from req toward
// its stdin, then relays inputs/wantedOutputs once the child reports its
// own decision. pr must be the same *protocol.Reader the caller used to
// read req's header: its internal buffering may already hold bytes the
// parent sent after the header, so a fresh reader wrapped around the raw
// stream would lose them.
func Run(ctx context.Context, verbosity string, req *protocol.BuildRequest, pr *protocol.Reader) (exitCode int, err error) {
	name, args := locateBuildRemote(verbosity)
	cmd, stdin, err := startChild(ctx, name, args)
	if err != nil {
		fallbackName, fallbackArgs := libexecFallback(name, verbosity)
		cmd, stdin, err = startChild(ctx, fallbackName, fallbackArgs)
		if err != nil {
			return 0, xerrors.Errorf("executing normal build hook: %w", err)
		}
	}

	if err := protocol.EncodeHeader(stdin, req); err != nil {
		return 0, xerrors.Errorf("replaying protocol header to fallback hook: %w", err)
	}

	if err := pr.ReadPaths(req); err != nil {
		return 0, xerrors.Errorf("reading inputs/wantedOutputs to relay: %w", err)
	}
	if err := protocol.EncodePaths(stdin, req); err != nil {
		return 0, xerrors.Errorf("relaying inputs/wantedOutputs to fallback hook: %w", err)
	}
	stdin.Close()

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 0, xerrors.Errorf("waiting for fallback hook: %w", err)
	}
	return 0, nil
}

func startChild(ctx context.Context, name string, args []string) (*exec.Cmd, io.WriteCloser, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return cmd, stdin, nil
}
