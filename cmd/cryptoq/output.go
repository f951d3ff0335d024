package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/Kocoro-lab/cryptoquery/internal/audit"
	"github.com/Kocoro-lab/cryptoquery/internal/intent"
	"github.com/Kocoro-lab/cryptoquery/internal/pipeline"
	"github.com/Kocoro-lab/cryptoquery/internal/reaper"
	"github.com/Kocoro-lab/cryptoquery/internal/streaming"
	"github.com/Kocoro-lab/cryptoquery/internal/synth"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Header(headers)
	return table
}

// formatResult prints floats the way the HTTP surface returns them.
func formatResult(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func renderRun(w io.Writer, run *pipeline.Run) error {
	if run.Err != nil {
		_, _ = failColor.Fprintf(w, "%s", run.ErrorKind())
		_, err := fmt.Fprintf(w, " after %s: %v\n", run.FailedAt(), run.Err)
		return err
	}
	_, _ = okColor.Fprint(w, formatResult(run.Result))
	_, err := dimColor.Fprintf(w, "  (%s %s of %s/%s over %s via %s in %s)\n",
		run.Intent.Metric, run.Intent.Field, run.Intent.Symbol, run.Intent.Currency,
		run.Intent.Timeframe, run.Strategy, run.Duration.Round(time.Millisecond))
	return err
}

func renderEvent(w io.Writer, evt streaming.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", evt.Seq, evt.Type)
	if evt.State != "" {
		fmt.Fprintf(&b, " state=%s", evt.State)
	}
	if evt.Strategy != "" {
		fmt.Fprintf(&b, " strategy=%s", evt.Strategy)
	}
	if evt.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", evt.Attempt)
	}
	if evt.Message != "" {
		fmt.Fprintf(&b, " %s", evt.Message)
	}
	_, _ = dimColor.Fprintln(w, b.String())
}

func renderPreview(w io.Writer, in intent.Intent, spec *synth.WorkflowSpec) error {
	table := newTable(w, "Field", "Value")
	if err := table.Bulk([][]string{
		{"metric", string(in.Metric)},
		{"field", string(in.Field)},
		{"symbol", in.Symbol},
		{"currency", in.Currency},
		{"timeframe", in.Timeframe},
		{"workflow", spec.Name},
		{"trigger", spec.TriggerPath},
		{"fetch limit", strconv.Itoa(spec.Fetch.Limit)},
		{"compute", fmt.Sprintf("%s(%s)", spec.Compute.Op, spec.Compute.Field)},
	}); err != nil {
		return err
	}
	return table.Render()
}

func renderReap(w io.Writer, rep reaper.Report) error {
	table := newTable(w, "Listed", "Matched", "Deleted", "Leased", "Young", "Failed")
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})
	if err := table.Bulk([][]string{{
		strconv.Itoa(rep.Listed),
		strconv.Itoa(rep.Matched),
		strconv.Itoa(len(rep.Deleted)),
		strconv.Itoa(rep.Leased),
		strconv.Itoa(rep.Young),
		strconv.Itoa(rep.Failed),
	}}); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	for _, id := range rep.Deleted {
		if _, err := fmt.Fprintf(w, "deleted %s\n", id); err != nil {
			return err
		}
	}
	return nil
}

func renderRuns(w io.Writer, records []audit.Record) error {
	table := newTable(w, "Started", "Query", "Intent", "State", "Result", "Duration")
	data := make([][]string, 0, len(records))
	for _, r := range records {
		result := r.ErrorKind
		if r.Result != nil {
			result = formatResult(*r.Result)
		}
		data = append(data, []string{
			r.StartedAt.Local().Format(time.DateTime),
			truncate(r.Query, 40),
			fmt.Sprintf("%s %s %s/%s %s", r.Metric, r.Field, r.Symbol, r.Currency, r.Timeframe),
			r.State,
			result,
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
