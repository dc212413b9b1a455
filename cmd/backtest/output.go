package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/atlas-desktop/backtest-lab/internal/data"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"gopkg.in/yaml.v3"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

func validateOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

// render writes v as JSON or YAML, or calls text for the text format. YAML
// goes through the JSON encoding so both formats share field names and
// decimal formatting.
func render(w io.Writer, format string, v interface{}, text func(io.Writer)) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(w)
		return nil
	}
}

func printResult(w io.Writer, r *types.BacktestResult) {
	fmt.Fprintf(w, "Strategy:      %s\n", r.Strategy)
	fmt.Fprintf(w, "Symbol:        %s\n", r.Symbol)
	fmt.Fprintf(w, "Period:        %s to %s\n", r.StartDate.Format(types.DateLayout), r.EndDate.Format(types.DateLayout))
	if r.Status == types.RunStatusNoData {
		fmt.Fprintf(w, "Status:        %s\n", r.Status)
		return
	}
	fmt.Fprintf(w, "Initial cash:  %s\n", utils.FormatMoney(r.InitialCash))
	fmt.Fprintf(w, "Final cash:    %s\n", utils.FormatMoney(r.FinalCash))
	fmt.Fprintf(w, "Total return:  %s (%s%%)\n", r.TotalReturn.StringFixed(4), r.TotalReturnPercent.StringFixed(2))
	fmt.Fprintf(w, "Trades:        %d\n", r.NumTrades)
	if r.BacktestID != 0 {
		fmt.Fprintf(w, "Backtest ID:   %d\n", r.BacktestID)
	}
	if len(r.Trades) > 0 {
		fmt.Fprintln(w)
		printTrades(w, r.Trades)
	}
}

func printTrades(w io.Writer, trades []types.Trade) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tACTION\tSHARES\tPRICE\tCASH AFTER")
	for _, t := range trades {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			t.Date.Format(types.DateLayout), t.Action, t.Shares, t.Price.StringFixed(2), t.CashAfter.StringFixed(2))
	}
	tw.Flush()
}

func formatCAGR(c types.SweepRecord) string {
	if !c.CAGR.Valid {
		return "n/a"
	}
	return c.CAGR.Decimal.Shift(2).StringFixed(2) + "%"
}

func printReport(w io.Writer, r *types.SweepReport) {
	fmt.Fprintf(w, "Sweep %s: %s %s\n", r.SweepID, r.Key.Symbol, r.Key.DateRange())
	fmt.Fprintf(w, "Completed %d of %d combinations in %s\n\n", r.Succeeded, r.Attempted, utils.FormatDuration(r.Duration))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SHORT\tLONG\tFINAL CASH\tRETURN %\tCAGR\tTRADES")
	for _, rec := range r.Results {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%d\n",
			rec.ShortPeriod, rec.LongPeriod, rec.FinalCash.StringFixed(2),
			rec.TotalReturnPercent.StringFixed(2), formatCAGR(rec), rec.NumTrades)
	}
	tw.Flush()

	if len(r.Failed) > 0 {
		fmt.Fprintf(w, "\n%d combinations failed:\n", len(r.Failed))
		for _, f := range r.Failed {
			fmt.Fprintf(w, "  EMA %d/%d: %s\n", f.ShortPeriod, f.LongPeriod, f.Error)
		}
	}
}

func printRecord(w io.Writer, rec *types.SweepRecord) {
	fmt.Fprintf(w, "Best combination: EMA %d/%d\n", rec.ShortPeriod, rec.LongPeriod)
	fmt.Fprintf(w, "Symbol:        %s\n", rec.Symbol)
	fmt.Fprintf(w, "Period:        %s\n", rec.DateRange())
	fmt.Fprintf(w, "Final cash:    %s\n", utils.FormatMoney(rec.FinalCash))
	fmt.Fprintf(w, "Total return:  %s (%s%%)\n", rec.TotalReturn.StringFixed(4), rec.TotalReturnPercent.StringFixed(2))
	fmt.Fprintf(w, "CAGR:          %s\n", formatCAGR(*rec))
	fmt.Fprintf(w, "Trades:        %d\n", rec.NumTrades)
	if len(rec.Trades) > 0 {
		fmt.Fprintln(w)
		printTrades(w, rec.Trades)
	}
}

func printSummary(w io.Writer, s *types.SweepSummary) {
	fmt.Fprintf(w, "Symbol:        %s\n", s.Symbol)
	fmt.Fprintf(w, "Period:        %s\n", s.DateRange)
	if s.Message != "" {
		fmt.Fprintln(w, s.Message)
		return
	}
	fmt.Fprintf(w, "Combinations:  %d\n", s.Count)
	fmt.Fprintf(w, "Best return:   %s%%\n", s.BestReturnPercent.StringFixed(2))
	fmt.Fprintf(w, "Worst return:  %s%%\n", s.WorstReturnPercent.StringFixed(2))
	fmt.Fprintf(w, "Average:       %s%%\n", s.AverageReturnPercent.StringFixed(2))
	fmt.Fprintf(w, "Profitable:    %d of %d\n", s.ProfitableCount, s.Count)
}

func printQuality(w io.Writer, r *data.QualityReport) {
	fmt.Fprintf(w, "Quality score: %d (usable: %t)\n", r.QualityScore, r.IsUsable)
	for _, issue := range r.Issues {
		date := ""
		if !issue.Date.IsZero() {
			date = issue.Date.Format(types.DateLayout) + " "
		}
		fmt.Fprintf(w, "  [%s] %s%s\n", issue.Severity, date, issue.Message)
	}
}
