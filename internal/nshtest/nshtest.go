// Package nshtest adapts internal/distritest's subprocess-harness pattern
// (os.Pipe-based readiness signaling around an exec.Command) into fixtures
// for this module's own domain: building raw protocol byte streams to feed
// an Orchestrator in tests, and the same test-cleanup helper distritest
// provided.
package nshtest

import (
	"bytes"
	"os"
	"testing"

	"github.com/distr1/nix-scheduler-hook/internal/protocol"
)

// RemoveAll wraps os.RemoveAll and fails the test on failure, exactly as
// distritest.RemoveAll does for distri's export-tree tests — useful here
// for state directories end-to-end tests create under t.TempDir()'s parent
// when a real os.TempDir-rooted path is needed (e.g. matching a fixed
// NAME_MAX-triggering length).
func RemoveAll(t testing.TB, path string) {
	t.Helper()
	if err := os.RemoveAll(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

// EncodeRequest renders req (plus inputs/wantedOutputs) as the exact byte
// stream a parent daemon would write to the hook's stdin: settings triples,
// "try", amWilling, neededSystem, drvPath, requiredFeatures, inputs,
// wantedOutputs — the inverse of protocol.Reader.ReadHeader/ReadPaths, built
// from the same EncodeHeader/EncodePaths the fallback driver uses to replay
// the protocol, so the two paths are exercised by the same code.
func EncodeRequest(t testing.TB, req *protocol.BuildRequest) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := protocol.EncodeHeader(&buf, req); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	if err := protocol.EncodePaths(&buf, req); err != nil {
		t.Fatalf("EncodePaths: %v", err)
	}
	return buf.Bytes()
}

// FakeParent bundles the four descriptors the hook protocol uses, backed by
// in-memory buffers, so orchestrator tests can drive a full Run() without a
// real parent daemon or real file descriptors 4/5.
type FakeParent struct {
	Stdin  *bytes.Reader // what the hook reads as stdin
	Stderr bytes.Buffer  // decision tokens land here
	FD4    bytes.Buffer  // build-log sideband
	FD5    bytes.Reader  // supplementary diagnostic channel, usually empty
}

// NewFakeParent builds a FakeParent whose Stdin is the wire encoding of req.
func NewFakeParent(t testing.TB, req *protocol.BuildRequest) *FakeParent {
	t.Helper()
	return &FakeParent{Stdin: bytes.NewReader(EncodeRequest(t, req))}
}
