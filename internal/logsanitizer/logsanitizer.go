// Package logsanitizer folds the raw byte stream tailed from a batch job's
// stderr into newline-terminated log lines, per spec.md §4.3. It is a
// direct generalization of logging.hh's handleOutput: the same cursor-based
// \r/\n handling and size cap, reshaped into a restartable Go value instead
// of function-local statics, per spec.md §9's "free function with
// persistent state... stateful transducer owned by the tail task" note.
package logsanitizer

import (
	"errors"

	"github.com/distr1/nix-scheduler-hook"
)

// ErrLogLimitExceeded is returned once cumulative input bytes pass
// MaxSize. It corresponds to spec.md §7's LogLimitExceeded error kind.
var ErrLogLimitExceeded = errors.New("logsanitizer: wrote more than the configured maximum log size")

// State is the LogState data-model entity from spec.md §3: cumulative byte
// count, partial-line buffer, partial-line cursor, and terminator-seen
// flag. The zero value is ready to use.
type State struct {
	// MaxSize caps cumulative bytes fed to Write; zero disables the cap.
	MaxSize int64

	cumulative int64
	line       []byte
	cursor     int
	done       bool
}

// Write feeds data through the transducer, passing each completed line to
// emit as it's found. It returns terminated=true once the
// sentinel line nsh.LogTerminator has been seen — the caller should stop
// calling Write after that. Feeding the same overall byte sequence through
// any partition of Write calls produces the same emitted lines and the
// same terminal flags (spec.md §8's idempotence-on-line-boundaries
// property): all state that matters survives between calls in s.
func (s *State) Write(data []byte, emit func(line string)) (terminated bool, err error) {
	if s.done {
		return true, nil
	}

	for _, c := range data {
		// Counted byte by byte so the cap trips at the same input position
		// however the stream is split across calls.
		s.cumulative++
		if s.MaxSize > 0 && s.cumulative > s.MaxSize {
			return false, ErrLogLimitExceeded
		}
		switch c {
		case '\r':
			s.cursor = 0
		case '\n':
			line := string(s.line[:s.cursor])
			s.line = s.line[:0]
			s.cursor = 0
			if line == nsh.LogTerminator {
				s.done = true
				return true, nil
			}
			emit(line)
		default:
			if s.cursor >= len(s.line) {
				s.line = append(s.line, c)
			} else {
				s.line[s.cursor] = c
			}
			s.cursor++
		}
	}
	return false, nil
}

// Done reports whether the sentinel line has already been observed.
func (s *State) Done() bool { return s.done }
