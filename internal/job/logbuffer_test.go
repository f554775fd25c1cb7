package job

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuffer_PushAndLines(t *testing.T) {
	buf := NewLogBuffer(0)
	assert.True(t, buf.IsEmpty())

	buf.Push(Stdout("first"))
	buf.Push(Stderr("second"))

	lines := buf.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "first", lines[0].Content)
	assert.Equal(t, SourceStdout, lines[0].Source)
	assert.Equal(t, "second", lines[1].Content)
	assert.Equal(t, SourceStderr, lines[1].Source)
	assert.False(t, buf.IsEmpty())
}

func TestLogBuffer_RotatesAtCapacity(t *testing.T) {
	buf := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		buf.Push(Stdout(fmt.Sprintf("line %d", i)))
	}

	require.Equal(t, 3, buf.Len())
	lines := buf.Lines()
	assert.Equal(t, "line 2", lines[0].Content)
	assert.Equal(t, "line 4", lines[2].Content)
}

func TestLogBuffer_DefaultCapacity(t *testing.T) {
	buf := NewLogBuffer(-1)
	for i := 0; i < DefaultLogCapacity+10; i++ {
		buf.Push(Stdout("x"))
	}
	assert.Equal(t, DefaultLogCapacity, buf.Len())
}

func TestLogBuffer_Clear(t *testing.T) {
	buf := NewLogBuffer(0)
	buf.Append([]LogLine{Stdout("a"), Stdout("b")})
	require.Equal(t, 2, buf.Len())

	buf.Clear()
	assert.True(t, buf.IsEmpty())
	assert.Empty(t, buf.Lines())
}

func TestLogBuffer_Tail(t *testing.T) {
	buf := NewLogBuffer(0)
	for i := 0; i < 10; i++ {
		buf.Push(Stdout(fmt.Sprintf("line %d", i)))
	}

	tail := buf.Tail(3)
	require.Len(t, tail, 3)
	assert.Equal(t, "line 7", tail[0].Content)
	assert.Equal(t, "line 9", tail[2].Content)

	assert.Len(t, buf.Tail(100), 10)
	assert.Nil(t, buf.Tail(0))
}

func TestLogBuffer_LinesReturnsCopy(t *testing.T) {
	buf := NewLogBuffer(0)
	buf.Push(Stdout("original"))

	lines := buf.Lines()
	lines[0].Content = "mutated"

	assert.Equal(t, "original", buf.Lines()[0].Content)
}

func TestLogLine_String(t *testing.T) {
	ts := time.Date(2025, 3, 14, 12, 2, 3, 0, time.UTC)

	out := LogLine{Timestamp: ts, Source: SourceStdout, Content: "hello"}
	assert.Equal(t, "12:02:03 [OUT] hello", out.String())

	errLine := LogLine{Timestamp: ts, Source: SourceStderr, Content: "boom"}
	assert.Equal(t, "12:02:03 [ERR] boom", errLine.String())
}
