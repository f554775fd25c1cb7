package job

import (
	"fmt"
	"strings"
	"time"
)

// DefaultLogCapacity bounds a log buffer when no explicit capacity is given.
const DefaultLogCapacity = 10000

// Source identifies the stream a log line came from.
type Source int

const (
	SourceStdout Source = iota
	SourceStderr
)

func (s Source) String() string {
	if s == SourceStderr {
		return "ERR"
	}
	return "OUT"
}

// LogLine is a single timestamped line of job output.
type LogLine struct {
	Timestamp time.Time
	Source    Source
	Content   string
}

// Stdout returns a stdout line stamped with the current time.
func Stdout(content string) LogLine {
	return LogLine{Timestamp: time.Now(), Source: SourceStdout, Content: content}
}

// Stderr returns a stderr line stamped with the current time.
func Stderr(content string) LogLine {
	return LogLine{Timestamp: time.Now(), Source: SourceStderr, Content: content}
}

// String renders the line as "15:04:05 [OUT] content".
func (l LogLine) String() string {
	return fmt.Sprintf("%s [%s] %s", l.Timestamp.Format("15:04:05"), l.Source, l.Content)
}

// LogBuffer collects the output of one job run. It is append-only while the
// job runs; when the capacity is reached the oldest line is dropped. Only a
// job restart clears it, so output stays readable after failure.
//
// LogBuffer is not safe for concurrent use; the Tracker guards it together
// with the rest of the entry state.
type LogBuffer struct {
	lines    []LogLine
	capacity int
}

// NewLogBuffer creates a buffer holding at most capacity lines.
// Non-positive capacities fall back to DefaultLogCapacity.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{capacity: capacity}
}

// Push appends a line, dropping the oldest when the buffer is full.
func (b *LogBuffer) Push(line LogLine) {
	if b.capacity > 0 && len(b.lines) >= b.capacity {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, line)
}

// Append pushes every line in order.
func (b *LogBuffer) Append(lines []LogLine) {
	for _, l := range lines {
		b.Push(l)
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (b *LogBuffer) Lines() []LogLine {
	out := make([]LogLine, len(b.lines))
	copy(out, b.lines)
	return out
}

// Tail returns a copy of the most recent n lines.
func (b *LogBuffer) Tail(n int) []LogLine {
	if n <= 0 {
		return nil
	}
	if n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]LogLine, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

// Len returns the number of buffered lines.
func (b *LogBuffer) Len() int {
	return len(b.lines)
}

// IsEmpty reports whether the buffer holds no lines.
func (b *LogBuffer) IsEmpty() bool {
	return len(b.lines) == 0
}

// Clear drops all buffered lines.
func (b *LogBuffer) Clear() {
	b.lines = b.lines[:0]
}

// String renders the buffer, one line per row.
func (b *LogBuffer) String() string {
	var sb strings.Builder
	for _, l := range b.lines {
		sb.WriteString(l.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (b *LogBuffer) clone() *LogBuffer {
	return &LogBuffer{lines: b.Lines(), capacity: b.capacity}
}
