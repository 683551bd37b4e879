package protocol

import (
	"bufio"
	"io"
	"io/ioutil"
	"sort"

	"golang.org/x/xerrors"
)

// BuildRequest is the data model entity of the same name in spec.md §3: it
// is built incrementally as the wire protocol delivers its fields and is
// immutable once ReadPaths has populated Inputs/WantedOutputs.
type BuildRequest struct {
	// Settings carries the (name, value) pairs the parent sent before
	// "try" — settings it has already resolved and wants this hook to
	// inherit, applied last over internal/config's own precedence chain.
	Settings map[string]string

	AmWilling        int64
	NeededSystem     string
	DrvPath          string
	RequiredFeatures []string

	Inputs        []string
	WantedOutputs []string
}

// ErrNotTry is returned by ReadHeader when the parent's second message
// isn't the literal string "try" — the daemon has decided not to offer
// this derivation to the hook, and the correct response is a silent exit 0.
var ErrNotTry = xerrors.New("parent did not send \"try\"")

// Reader parses the inbound half of the wire protocol from the parent
// daemon's stdin, per spec.md §4.1.
type Reader struct {
	r io.Reader
}

// NewReader wraps r (typically os.Stdin) for protocol decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadHeader reads the settings triples, the "try" token, amWilling,
// neededSystem, drvPath and requiredFeatures — everything the parent sends
// before the hook has made its accept/decline decision. io.EOF or
// ErrNotTry both mean "exit 0 without writing a decision."
func (p *Reader) ReadHeader() (*BuildRequest, error) {
	req := &BuildRequest{Settings: map[string]string{}}

	for {
		tag, err := readInt(p.r)
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, xerrors.Errorf("reading settings tag: %w", err)
		}
		if tag == 0 {
			break
		}
		name, err := readString(p.r)
		if err != nil {
			return nil, xerrors.Errorf("reading setting name: %w", err)
		}
		value, err := readString(p.r)
		if err != nil {
			return nil, xerrors.Errorf("reading setting value: %w", err)
		}
		req.Settings[name] = value
	}

	tryTok, err := readString(p.r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, xerrors.Errorf("reading try token: %w", err)
	}
	if tryTok != "try" {
		return nil, ErrNotTry
	}

	amWilling, err := readInt(p.r)
	if err != nil {
		return nil, xerrors.Errorf("reading amWilling: %w", err)
	}
	req.AmWilling = int64(amWilling)

	req.NeededSystem, err = readString(p.r)
	if err != nil {
		return nil, xerrors.Errorf("reading neededSystem: %w", err)
	}
	req.DrvPath, err = readString(p.r)
	if err != nil {
		return nil, xerrors.Errorf("reading drvPath: %w", err)
	}
	req.RequiredFeatures, err = readStrings(p.r)
	if err != nil {
		return nil, xerrors.Errorf("reading requiredFeatures: %w", err)
	}

	return req, nil
}

// ReadPaths reads inputs and wantedOutputs, the two lists the parent sends
// only after the hook has written its accept token (spec.md §4.1 step 7).
func (p *Reader) ReadPaths(req *BuildRequest) error {
	inputs, err := readStrings(p.r)
	if err != nil {
		return xerrors.Errorf("reading inputs: %w", err)
	}
	wanted, err := readStrings(p.r)
	if err != nil {
		return xerrors.Errorf("reading wantedOutputs: %w", err)
	}
	req.Inputs = inputs
	req.WantedOutputs = wanted
	return nil
}

// Writer frames the single-line decision tokens of the outbound protocol
// (the parent reads these from the hook's stderr). The canonical encoding
// of a BuildRequest used when replaying through the fallback hook driver
// (internal/fallback) is EncodeHeader/EncodePaths, not a Writer method.
type Writer struct {
	decision io.Writer
}

// NewWriter wraps w (typically os.Stderr) for writing decision tokens.
func NewWriter(w io.Writer) *Writer {
	return &Writer{decision: w}
}

// Decline writes the transient-refusal token: the parent may retry this
// derivation elsewhere.
func (w *Writer) Decline() error {
	_, err := io.WriteString(w.decision, "# decline\n")
	return err
}

// DeclinePermanently writes the do-not-retry token.
func (w *Writer) DeclinePermanently() error {
	_, err := io.WriteString(w.decision, "# decline-permanently\n")
	return err
}

// Accept writes the accept token naming storeURI. Per spec.md §4.5 this is
// the point of no return: every exit path after Accept must go through
// cleanup rather than a silent return.
func (w *Writer) Accept(storeURI string) error {
	_, err := io.WriteString(w.decision, "# accept\n"+storeURI+"\n")
	return err
}

// EncodeHeader writes req's header fields (settings, "try", amWilling,
// neededSystem, drvPath, requiredFeatures) to w in the same wire format
// ReadHeader parses — used by internal/fallback to replay the inbound
// protocol toward the fallback child verbatim.
func EncodeHeader(w io.Writer, req *BuildRequest) error {
	names := make([]string, 0, len(req.Settings))
	for name := range req.Settings {
		names = append(names, name)
	}
	sort.Strings(names) // matches std::map<string,...>'s iteration order in the original encoder
	for _, name := range names {
		if err := writeInt(w, 1); err != nil {
			return err
		}
		if err := writeString(w, name); err != nil {
			return err
		}
		if err := writeString(w, req.Settings[name]); err != nil {
			return err
		}
	}
	if err := writeInt(w, 0); err != nil {
		return err
	}
	if err := writeString(w, "try"); err != nil {
		return err
	}
	if err := writeInt(w, uint64(req.AmWilling)); err != nil {
		return err
	}
	if err := writeString(w, req.NeededSystem); err != nil {
		return err
	}
	if err := writeString(w, req.DrvPath); err != nil {
		return err
	}
	if err := writeStrings(w, req.RequiredFeatures); err != nil {
		return err
	}
	return nil
}

// EncodePaths writes req's Inputs/WantedOutputs, mirroring ReadPaths.
func EncodePaths(w io.Writer, req *BuildRequest) error {
	if err := writeStrings(w, req.Inputs); err != nil {
		return err
	}
	return writeStrings(w, req.WantedOutputs)
}

// DrainDiagnostic reads r (fd 5) until EOF or 64 KiB, whichever comes
// first, and returns what it read for inclusion in an error message. It is
// used where main.cpp calls `nix::drainFD(5, false)` after the remote store
// connection fails; unlike that call, it blocks until EOF or the limit.
func DrainDiagnostic(r io.Reader) string {
	b, _ := ioutil.ReadAll(io.LimitReader(r, 64*1024))
	return string(b)
}
