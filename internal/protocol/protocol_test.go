package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReadHeaderRoundTrip(t *testing.T) {
	req := &BuildRequest{
		Settings:         map[string]string{"b-setting": "2", "a-setting": "1"},
		AmWilling:        1,
		NeededSystem:     "x86_64-linux",
		DrvPath:          "/nix/store/abc-foo.drv",
		RequiredFeatures: []string{"nsh", "big-parallel"},
	}

	var buf bytes.Buffer
	if err := EncodeHeader(&buf, req); err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	got, err := NewReader(&buf).ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeHeaderDeterministic(t *testing.T) {
	// Go map iteration order is randomized; EncodeHeader must sort setting
	// names so two encodes of the same logical request produce identical
	// bytes, matching the C++ original's std::map iteration.
	req := &BuildRequest{
		Settings:     map[string]string{"zzz": "1", "aaa": "2", "mmm": "3"},
		NeededSystem: "x86_64-linux",
		DrvPath:      "/nix/store/x.drv",
	}
	var a, b bytes.Buffer
	if err := EncodeHeader(&a, req); err != nil {
		t.Fatal(err)
	}
	if err := EncodeHeader(&b, req); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Errorf("EncodeHeader is not deterministic across repeated calls")
	}
}

func TestReadHeaderNotTry(t *testing.T) {
	var buf bytes.Buffer
	// No settings triples, then a string that isn't "try".
	if err := writeInt(&buf, 0); err != nil {
		t.Fatal(err)
	}
	if err := writeString(&buf, "nope"); err != nil {
		t.Fatal(err)
	}
	_, err := NewReader(&buf).ReadHeader()
	if err != ErrNotTry {
		t.Errorf("ReadHeader error = %v, want ErrNotTry", err)
	}
}

func TestReadHeaderEOF(t *testing.T) {
	_, err := NewReader(bytes.NewReader(nil)).ReadHeader()
	if err != io.EOF {
		t.Errorf("ReadHeader error = %v, want io.EOF", err)
	}
}

func TestReadPathsRoundTrip(t *testing.T) {
	req := &BuildRequest{Inputs: []string{"/nix/store/a", "/nix/store/b"}, WantedOutputs: []string{"out", "dev"}}
	var buf bytes.Buffer
	if err := EncodePaths(&buf, req); err != nil {
		t.Fatal(err)
	}
	got := &BuildRequest{}
	if err := NewReader(&buf).ReadPaths(got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(req.Inputs, got.Inputs); diff != "" {
		t.Errorf("Inputs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(req.WantedOutputs, got.WantedOutputs); diff != "" {
		t.Errorf("WantedOutputs mismatch (-want +got):\n%s", diff)
	}
}

func TestStringPadding(t *testing.T) {
	var buf bytes.Buffer
	if err := writeString(&buf, "abc"); err != nil {
		t.Fatal(err)
	}
	// 8 (length) + 3 (data) + 5 (padding to next multiple of 8) = 16.
	if buf.Len() != 16 {
		t.Errorf("encoded length = %d, want 16", buf.Len())
	}
	got, err := readString(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != "abc" {
		t.Errorf("readString = %q, want abc", got)
	}
}

func TestWriterDecisionTokens(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Accept("ssh-ng://node1"); err != nil {
		t.Fatal(err)
	}
	want := "# accept\nssh-ng://node1\n"
	if buf.String() != want {
		t.Errorf("Accept wrote %q, want %q", buf.String(), want)
	}
}
