package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"jobforge/internal/job"
)

func line(content string) job.LogLine {
	return job.LogLine{Timestamp: time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC), Content: content}
}

func TestEventPrinter_TransientLinesRewriteInPlace(t *testing.T) {
	var out bytes.Buffer
	p := newEventPrinter(&out)

	p.print(job.Event{Line: line("Pulling image: alpine"), Status: job.StatusPullingImage})
	p.print(job.Event{Line: line("step 1"), Transient: true})
	p.print(job.Event{Line: line("step 2"), Transient: true})
	p.print(job.Event{Line: line("done"), Status: job.StatusRunning})
	p.finish()

	got := out.String()
	if !strings.Contains(got, "\r\033[Kstep 1") || !strings.Contains(got, "\r\033[Kstep 2") {
		t.Errorf("expected transient lines to rewrite in place, got: %q", got)
	}
	// The transient line is cleared before the regular line prints.
	if !strings.Contains(got, "\r\033[K10:30:00 [OUT] done\n") {
		t.Errorf("expected the regular line to close the transient one, got: %q", got)
	}
	if strings.Contains(got, "step 1\n") {
		t.Errorf("transient lines must not end with a newline, got: %q", got)
	}
}

func TestEventPrinter_PrefixesJobNamesInMultiJobRuns(t *testing.T) {
	var out bytes.Buffer
	p := newEventPrinter(&out, "prepare", "train")

	p.print(job.Event{JobIndex: 0, Line: line("hello")})
	p.print(job.Event{JobIndex: 1, Line: line("world")})
	p.print(job.Event{JobIndex: 2, Line: line("sentinel-ish")})

	got := out.String()
	if !strings.Contains(got, "[prepare] ") || !strings.Contains(got, "[train] ") {
		t.Errorf("expected job name prefixes, got: %q", got)
	}
	if strings.Contains(got, "[sentinel-ish]") {
		t.Errorf("out-of-range indexes must not be prefixed, got: %q", got)
	}
}

func TestEventPrinter_SkipsEmptyLines(t *testing.T) {
	var out bytes.Buffer
	p := newEventPrinter(&out)

	p.print(job.Event{Status: job.StatusCompleted})
	if out.Len() != 0 {
		t.Errorf("expected no output for an event without a line, got: %q", out.String())
	}
}
