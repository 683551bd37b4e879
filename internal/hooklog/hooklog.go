// Package hooklog sets up the hook's own operational trace: the
// `log.Printf`/`log.Fatal` lines distri's tools emit throughout
// (internal/build/build.go, cmd/autobuilder/autobuilder.go), separate from
// the protocol decision tokens and diagnostic sideband internal/protocol
// writes directly. This is never the stream the parent daemon reads its
// decision from; it exists purely so a human running the hook by hand
// (outside the parent daemon) gets a readable trace.
package hooklog

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mattn/go-isatty"
)

// Verbosity is the level parsed from the parent daemon's single numeric
// verbosity argument (spec.md §6). Init uses it only to add file:line
// locations to each line at Debug; no level filters which lines are logged.
type Verbosity int

const (
	Quiet Verbosity = iota
	Info
	Debug
)

// ParseVerbosity maps the hook's single CLI argument (a repeated "-v" count
// as a decimal string, e.g. "2") to a Verbosity, clamping out-of-range
// values instead of failing: an unexpected verbosity argument from the
// parent daemon should never stop the hook from running.
func ParseVerbosity(arg string) Verbosity {
	n := 0
	fmt.Sscanf(arg, "%d", &n)
	switch {
	case n <= 0:
		return Quiet
	case n == 1:
		return Info
	default:
		return Debug
	}
}

type prefixWriter struct {
	underlying io.Writer
	color      bool
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	if !w.color {
		return w.underlying.Write(p)
	}
	const dim = "\x1b[2m"
	const reset = "\x1b[0m"
	return w.underlying.Write(append([]byte(dim), append(p, []byte(reset)...)...))
}

// Init installs the process-wide standard logger: component-tagged lines,
// timestamps, and ANSI dimming when stderr is a terminal — gated by
// go-isatty rather than unconditionally, since the parent daemon captures
// this hook's stderr into its own (non-terminal) log.
func Init(component string, v Verbosity) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	log.SetOutput(&prefixWriter{underlying: os.Stderr, color: color})
	log.SetPrefix("[" + component + "] ")
	flags := log.LstdFlags
	if v >= Debug {
		flags |= log.Lshortfile
	}
	log.SetFlags(flags)
}
