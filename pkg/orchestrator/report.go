package orchestrator

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/loykin/stagebuild/internal/constants"
	"github.com/loykin/stagebuild/pkg/builderr"
	"github.com/loykin/stagebuild/pkg/stage"
)

// Report is the outcome of a run.
type Report struct {
	// Records holds one record per selected stage, in topological order.
	Records []*stage.Record
	Counts  map[stage.Status]int
	// FirstFailure is the first stage to fail, by completion order. Interrupted stages do not count.
	FirstFailure *stage.Record
	Canceled     bool
	Duration     time.Duration
}

func (r *run) report(elapsed time.Duration) *Report {
	rep := &Report{Counts: map[stage.Status]int{}, Duration: elapsed}
	for _, s := range r.order {
		rec := r.records[s.Name]
		rep.Records = append(rep.Records, rec)
		rep.Counts[rec.Status]++
		if rec.Cause == builderr.KindCanceled || rec.SkipReason == stage.SkipCanceled {
			rep.Canceled = true
		}
	}
	for _, rec := range r.finished {
		if rec.Failed() && rec.Cause != builderr.KindCanceled {
			rep.FirstFailure = rec
			break
		}
	}
	return rep
}

// Record returns the record of a stage, or nil when it was not selected.
func (rep *Report) Record(name string) *stage.Record {
	for _, rec := range rep.Records {
		if rec.Stage == name {
			return rec
		}
	}
	return nil
}

// Failed reports whether any stage failed or the run was interrupted.
func (rep *Report) Failed() bool {
	return rep.FirstFailure != nil || rep.Canceled
}

// ExitCode is the process exit code for the run: the first failure's own
// code when it has one, 130 after an interrupt, 1 for any other failure.
func (rep *Report) ExitCode() int {
	switch {
	case rep.FirstFailure != nil && rep.FirstFailure.ExitCode > 0:
		return rep.FirstFailure.ExitCode
	case rep.Canceled:
		return constants.ExitCodeCanceled
	case rep.FirstFailure != nil:
		return 1
	}
	return 0
}

// Render writes the summary table followed by the first failure's output.
func (rep *Report) Render(w io.Writer) error {
	data := pterm.TableData{{"STAGE", "STATUS", "REASON", "EXIT", "DURATION", "FINGERPRINT"}}
	for _, rec := range rep.Records {
		data = append(data, []string{
			rec.Stage,
			colorStatus(rec.Status),
			reason(rec),
			exitColumn(rec),
			durationColumn(rec),
			short(rec.Fingerprint),
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, table); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%d succeeded, %d failed, %d skipped in %s\n",
		rep.Counts[stage.StatusSucceeded], rep.Counts[stage.StatusFailed], rep.Counts[stage.StatusSkipped],
		rep.Duration.Round(time.Millisecond)); err != nil {
		return err
	}
	if rep.Canceled {
		if _, err := fmt.Fprintln(w, pterm.Yellow("run interrupted")); err != nil {
			return err
		}
	}
	if rep.FirstFailure != nil {
		return renderFailure(w, rep.FirstFailure)
	}
	return nil
}

func renderFailure(w io.Writer, rec *stage.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s %s\n", pterm.Red("first failure:"), rec.Stage)
	if rec.Err != nil {
		fmt.Fprintf(&b, "%v\n", rec.Err)
		for _, hint := range builderr.Hints(rec.Err) {
			fmt.Fprintf(&b, "hint: %s\n", hint)
		}
	}
	section := func(title, body, log string) {
		if body == "" && log == "" {
			return
		}
		fmt.Fprintf(&b, "\n%s", pterm.Gray("--- "+title))
		if log != "" {
			fmt.Fprintf(&b, " %s", pterm.Gray("("+log+")"))
		}
		b.WriteString("\n")
		if body != "" {
			b.WriteString(body)
			if !strings.HasSuffix(body, "\n") {
				b.WriteString("\n")
			}
		}
	}
	section("stdout", rec.Stdout, rec.StdoutLog)
	section("stderr", rec.Stderr, rec.StderrLog)
	_, err := io.WriteString(w, b.String())
	return err
}

func colorStatus(s stage.Status) string {
	switch s {
	case stage.StatusSucceeded:
		return pterm.Green(string(s))
	case stage.StatusFailed:
		return pterm.Red(string(s))
	case stage.StatusSkipped:
		return pterm.Yellow(string(s))
	}
	return pterm.Gray(string(s))
}

func reason(rec *stage.Record) string {
	switch {
	case rec.SkipReason != "":
		return string(rec.SkipReason)
	case rec.Cause != "":
		return string(rec.Cause)
	}
	return ""
}

func exitColumn(rec *stage.Record) string {
	if rec.Status == stage.StatusSkipped || rec.ExitCode < 0 {
		return "-"
	}
	return fmt.Sprintf("%d", rec.ExitCode)
}

func durationColumn(rec *stage.Record) string {
	if rec.Status == stage.StatusSkipped {
		return "-"
	}
	return rec.Duration.Round(time.Millisecond).String()
}
