package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"jobforge/internal/config"
	"jobforge/internal/job"
	"jobforge/internal/observability"
)

// eventPrinter renders progress events to a terminal. Transient lines
// rewrite themselves in place; a regular line first closes any open
// transient line so output never interleaves.
type eventPrinter struct {
	out io.Writer

	// names labels lines by job in multi-job runs; empty for one job.
	names []string

	transientOpen bool
}

func newEventPrinter(out io.Writer, names ...string) *eventPrinter {
	return &eventPrinter{out: out, names: names}
}

func (p *eventPrinter) print(ev job.Event) {
	if ev.Line.Content == "" {
		return
	}

	prefix := ""
	if len(p.names) > 1 && ev.JobIndex >= 0 && ev.JobIndex < len(p.names) {
		prefix = "[" + p.names[ev.JobIndex] + "] "
	}

	if ev.Transient {
		io.WriteString(p.out, "\r\033[K"+prefix+ev.Line.Content)
		p.transientOpen = true
		return
	}
	if p.transientOpen {
		io.WriteString(p.out, "\r\033[K")
		p.transientOpen = false
	}
	io.WriteString(p.out, prefix+ev.Line.String()+"\n")
}

// finish closes a dangling transient line.
func (p *eventPrinter) finish() {
	if p.transientOpen {
		io.WriteString(p.out, "\n")
		p.transientOpen = false
	}
}

// consumeEvents applies every event to the tracker and prints it,
// until the channel closes.
func consumeEvents(events <-chan job.Event, tracker *job.Tracker, printer *eventPrinter) {
	for ev := range events {
		tracker.Apply(ev)
		printer.print(ev)
	}
	printer.finish()
}

// cancelOnInterrupt wires SIGINT/SIGTERM to the canceler. The first
// signal cancels the job cooperatively; the second aborts the process.
// The returned stop function releases the signal handler.
func cancelOnInterrupt(canceler *job.Canceler, log *slog.Logger) (stop func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		log.Info("interrupt received, cancelling job")
		canceler.Cancel()
		if _, ok := <-sigCh; ok {
			os.Exit(130)
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

// startObservability brings up the metrics listener and tracer when
// configured and returns a function shutting both down.
func startObservability(ctx context.Context, cfg *config.Config, log *slog.Logger) (func(), error) {
	var shutdowns []func(context.Context) error

	if cfg.MetricsAddr != "" {
		handler, shutdownMetrics, err := observability.InitMetrics()
		if err != nil {
			return nil, err
		}
		srv := observability.ServeMetrics(cfg.MetricsAddr, handler, log)
		shutdowns = append(shutdowns, srv.Shutdown, shutdownMetrics)
	}

	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "forgectl", cfg.OTELEndpoint)
		if err != nil {
			return nil, err
		}
		shutdowns = append(shutdowns, shutdownTracer)
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, shutdown := range shutdowns {
			if err := shutdown(shutdownCtx); err != nil {
				log.Warn("observability shutdown", "error", err)
			}
		}
	}, nil
}

// failureMessage summarises a failed entry for the command error.
func failureMessage(entry *job.Entry) string {
	msg := entry.ErrorMessage
	if msg == "" {
		msg = "job failed"
	}
	return strings.TrimSpace(msg)
}
