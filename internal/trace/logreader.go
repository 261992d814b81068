package trace

import (
	"bufio"
	"io"
	"strings"
)

// LogEvent is a single pass-through line from a text log file. It carries no
// structure of its own — the pass-through detector forwards Text verbatim to
// its sink.
type LogEvent struct {
	Text string
}

func (LogEvent) isEvent() {}

// LogReader decodes a line-oriented text log file into a lazy sequence of
// [LogEvent] values. Each non-empty stripped line becomes one LogEvent; the
// first empty line terminates the stream (per §4.3).
type LogReader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewLogReader wraps r in a LogReader.
func NewLogReader(r io.Reader) *LogReader {
	return &LogReader{scanner: bufio.NewScanner(r)}
}

// Next returns the next non-empty, stripped line as a LogEvent. It returns
// io.EOF once an empty line or the underlying EOF is reached.
func (l *LogReader) Next() (Event, error) {
	if l.done {
		return nil, io.EOF
	}
	for l.scanner.Scan() {
		line := strings.TrimSpace(l.scanner.Text())
		if line == "" {
			l.done = true
			return nil, io.EOF
		}
		return LogEvent{Text: line}, nil
	}
	l.done = true
	if err := l.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
