package logsanitizer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func collect(t *testing.T, s *State, chunks ...string) (lines []string, terminated bool) {
	t.Helper()
	for _, c := range chunks {
		done, err := s.Write([]byte(c), func(line string) { lines = append(lines, line) })
		if err != nil {
			t.Fatalf("Write(%q): %v", c, err)
		}
		if done {
			terminated = true
		}
	}
	return lines, terminated
}

func TestBasicLineSplitting(t *testing.T) {
	var s State
	lines, terminated := collect(t, &s, "hello\nworld\n@nsh done\n")
	if diff := cmp.Diff([]string{"hello", "world"}, lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
	if !terminated {
		t.Errorf("expected terminated=true after the sentinel line")
	}
}

func TestCarriageReturnResetsLine(t *testing.T) {
	var s State
	lines, _ := collect(t, &s, "progress: 1%\rprogress: 99%\rprogress: 100%\n")
	if diff := cmp.Diff([]string{"progress: 100%"}, lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestIdempotenceAcrossChunkBoundaries(t *testing.T) {
	whole := "line one\nline two\n@nsh done\n"

	var full State
	fullLines, fullDone := collect(t, &full, whole)

	var split State
	var splitLines []string
	var splitDone bool
	for i := 0; i < len(whole); i++ {
		l, d := collect(t, &split, whole[i:i+1])
		splitLines = append(splitLines, l...)
		if d {
			splitDone = true
		}
	}

	if diff := cmp.Diff(fullLines, splitLines); diff != "" {
		t.Errorf("byte-at-a-time feed produced different lines (-want +got):\n%s", diff)
	}
	if fullDone != splitDone {
		t.Errorf("fullDone=%v splitDone=%v, want equal", fullDone, splitDone)
	}
}

func TestMaxSizeExceeded(t *testing.T) {
	s := State{MaxSize: 4}
	_, err := s.Write([]byte("abcdefgh"), func(string) {})
	if err != ErrLogLimitExceeded {
		t.Errorf("err = %v, want ErrLogLimitExceeded", err)
	}
}

func TestWriteAfterDoneIsNoop(t *testing.T) {
	var s State
	collect(t, &s, "@nsh done\n")
	if !s.Done() {
		t.Fatalf("expected Done() after sentinel")
	}
	var lines []string
	terminated, err := s.Write([]byte("more\n"), func(l string) { lines = append(lines, l) })
	if err != nil {
		t.Fatalf("Write after done: %v", err)
	}
	if !terminated {
		t.Errorf("expected terminated=true once already done")
	}
	if len(lines) != 0 {
		t.Errorf("expected no further lines emitted after done, got %v", lines)
	}
}
