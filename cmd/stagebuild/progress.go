package main

import (
	"io"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/loykin/stagebuild/pkg/stage"
)

// progress prints one status line per stage transition.
type progress struct {
	mu      sync.Mutex
	started *pterm.PrefixPrinter
	success *pterm.PrefixPrinter
	failure *pterm.PrefixPrinter
	skipped *pterm.PrefixPrinter
}

func newProgress(w io.Writer) *progress {
	return &progress{
		started: pterm.Info.WithWriter(w),
		success: pterm.Success.WithWriter(w),
		failure: pterm.Error.WithWriter(w),
		skipped: pterm.Warning.WithWriter(w),
	}
}

func (p *progress) StageStarted(s *stage.Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started.Printfln("%s started", s.Name)
}

func (p *progress) StageFinished(rec *stage.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch rec.Status {
	case stage.StatusSucceeded:
		p.success.Printfln("%s succeeded in %s", rec.Stage, rec.Duration.Round(time.Millisecond))
	case stage.StatusFailed:
		p.failure.Printfln("%s failed: %s", rec.Stage, rec.Cause)
	case stage.StatusSkipped:
		p.skipped.Printfln("%s skipped (%s)", rec.Stage, rec.SkipReason)
	}
}
