// Package protocol implements the parent daemon's hook wire format
// described in spec.md §4.1: a length-prefixed, 8-byte-aligned binary
// stream on stdin, single-line decision tokens on stderr, and a build-log
// sideband on fd 4 with a supplementary diagnostic channel on fd 5.
//
// The wire format itself (uint64 little-endian integers, length-prefixed
// strings padded to an 8-byte boundary) is the Nix daemon's own worker
// protocol; it is reimplemented here rather than imported since the
// example corpus carries no Go client for it.
package protocol

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// readInt reads one little-endian uint64 from r.
func readInt(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// writeInt writes n to w as a little-endian uint64.
func writeInt(w io.Writer, n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

// padding returns the number of zero bytes needed to round n up to the
// next multiple of 8.
func padding(n int) int {
	if n%8 == 0 {
		return 0
	}
	return 8 - n%8
}

// readString reads one length-prefixed, zero-padded string from r.
func readString(r io.Reader) (string, error) {
	n, err := readInt(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if p := padding(int(n)); p > 0 {
		pad := make([]byte, p)
		if _, err := io.ReadFull(r, pad); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

// writeString writes s to w as a length-prefixed, zero-padded string.
func writeString(w io.Writer, s string) error {
	if err := writeInt(w, uint64(len(s))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	if p := padding(len(s)); p > 0 {
		if _, err := w.Write(make([]byte, p)); err != nil {
			return err
		}
	}
	return nil
}

// readStrings reads a length-prefixed list of length-prefixed strings.
func readStrings(r io.Reader) ([]string, error) {
	n, err := readInt(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, xerrors.Errorf("reading string %d/%d: %w", i, n, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// writeStrings writes a length-prefixed list of length-prefixed strings.
func writeStrings(w io.Writer, ss []string) error {
	if err := writeInt(w, uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeString(w, s); err != nil {
			return err
		}
	}
	return nil
}
