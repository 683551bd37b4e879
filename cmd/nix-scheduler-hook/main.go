// Command nix-scheduler-hook is the remote-build-hook binary spec.md
// describes: the parent daemon execs it once per derivation it wants to
// offer out to an HPC batch scheduler, speaking the wire protocol from
// spec.md §4.1 over stdin/stderr/fd4/fd5.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/distr1/nix-scheduler-hook"
	"github.com/distr1/nix-scheduler-hook/internal/config"
	"github.com/distr1/nix-scheduler-hook/internal/hooklog"
	"github.com/distr1/nix-scheduler-hook/internal/orchestrator"
	"github.com/distr1/nix-scheduler-hook/internal/store"
)

func funcmain() int {
	// Mirrors main.cpp unsetting DISPLAY/SSH_ASKPASS before touching argv:
	// a batch job running on a headless node must never have an X11/askpass
	// program contacted on its behalf.
	os.Unsetenv("DISPLAY")
	os.Unsetenv("SSH_ASKPASS")

	flag.Parse()
	// main.cpp: "if (argc != 2) throw nix::UsageError(...)" — exactly one
	// positional verbosity argument, no more, no fewer.
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s <verbosity>\n", os.Args[0])
		return nsh.ExitOrchestratorError
	}
	verbosityArg := flag.Arg(0)
	hooklog.Init("nix-scheduler-hook", hooklog.ParseVerbosity(verbosityArg))

	settings, err := config.Load(nil)
	if err != nil {
		log.Printf("NSH Error: loading settings: %v", err)
		return nsh.ExitOrchestratorError
	}

	ctx, cancel := nsh.CancelOnSignal()
	defer cancel()

	o := &orchestrator.Orchestrator{
		Settings:  settings,
		Store:     &store.CLI{RemoteNixBinDir: settings.RemoteNixBinDir},
		Stdin:     os.Stdin,
		Stderr:    os.Stderr,
		FD4:       os.NewFile(4, "/dev/fd/4"),
		FD5:       os.NewFile(5, "/dev/fd/5"),
		Verbosity: verbosityArg,
	}

	rc := o.Run(ctx)

	if err := nsh.RunCleanups(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if rc == nsh.ExitSuccess {
			rc = nsh.ExitOrchestratorError
		}
	}

	return rc
}

func main() {
	os.Exit(funcmain())
}
