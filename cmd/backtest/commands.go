package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/atlas-desktop/backtest-lab/internal/backtester"
	"github.com/atlas-desktop/backtest-lab/internal/strategy"
	"github.com/atlas-desktop/backtest-lab/internal/sweep"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/atlas-desktop/backtest-lab/pkg/utils"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// keyFlags are the flags that identify a symbol, date range and starting cash.
type keyFlags struct {
	symbol string
	from   string
	to     string
	cash   string
}

func (k *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&k.symbol, "symbol", "", "Symbol to backtest (required)")
	cmd.Flags().StringVar(&k.from, "from", "", "Start date YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&k.to, "to", "", "End date YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&k.cash, "cash", "", "Initial cash (defaults to sweep.default_initial_cash)")

	cmd.MarkFlagRequired("symbol")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
}

func (k *keyFlags) key(a *app) (types.SweepKey, error) {
	fromDate, err := utils.ParseDate(k.from)
	if err != nil {
		return types.SweepKey{}, fmt.Errorf("invalid from date format (expected YYYY-MM-DD): %w", err)
	}
	toDate, err := utils.ParseDate(k.to)
	if err != nil {
		return types.SweepKey{}, fmt.Errorf("invalid to date format (expected YYYY-MM-DD): %w", err)
	}

	cash := a.cfg.Sweep.DefaultInitialCash
	if k.cash != "" {
		if cash, err = decimal.NewFromString(k.cash); err != nil {
			return types.SweepKey{}, fmt.Errorf("invalid cash %q: %w", k.cash, err)
		}
	}
	return sweep.NewSweepKey(k.symbol, fromDate, toDate, cash)
}

// parsePeriods turns "3,5,8" into a list. An empty string yields nil, which
// selects the configured defaults.
func parsePeriods(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid period %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func newRunCmd(a *app) *cobra.Command {
	var (
		kf    keyFlags
		short int
		long  int
		save  bool
		name  string
	)

	cmd := &cobra.Command{
		Use:   "run [strategy]",
		Short: "Run one strategy over a date range",
		Long:  "Run buy_and_hold or ema_crossover against stored daily bars and print the result with its trade log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := kf.key(a)
			if err != nil {
				return err
			}

			params := strategy.Params{}
			if cmd.Flags().Changed("short") {
				params[strategy.ParamShortPeriod] = short
			}
			if cmd.Flags().Changed("long") {
				params[strategy.ParamLongPeriod] = long
			}
			strat, err := a.registry.Create(args[0], params)
			if err != nil {
				return err
			}

			result, err := a.engine.Run(cmd.Context(), strat, backtester.RunRequest{
				Symbol:      key.Symbol,
				StartDate:   key.StartDate,
				EndDate:     key.EndDate,
				InitialCash: key.InitialCash,
			})
			if err != nil {
				return err
			}

			if save && result.HasData() {
				if name == "" {
					name = fmt.Sprintf("%s %s %s", result.Strategy, key.Symbol, key.DateRange())
				}
				id, err := a.store.SaveRun(cmd.Context(), &types.RunRecord{
					Name:           name,
					Strategy:       result.Strategy,
					Symbol:         key.Symbol,
					StartDate:      key.StartDate,
					EndDate:        key.EndDate,
					InitialCapital: result.InitialCash,
					FinalCapital:   result.FinalCash,
				})
				if err != nil {
					return err
				}
				result.BacktestID = id
			}

			return render(cmd.OutOrStdout(), a.output, result, func(w io.Writer) { printResult(w, result) })
		},
	}

	kf.register(cmd)
	cmd.Flags().IntVar(&short, "short", strategy.DefaultShortPeriod, "Short EMA period (ema_crossover)")
	cmd.Flags().IntVar(&long, "long", strategy.DefaultLongPeriod, "Long EMA period (ema_crossover)")
	cmd.Flags().BoolVar(&save, "save", false, "Record the run in the backtests table")
	cmd.Flags().StringVar(&name, "name", "", "Name for the saved run")
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	var (
		kf       keyFlags
		shorts   string
		longs    string
		workers  int
		progress bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the EMA crossover over a grid of short/long periods",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := kf.key(a)
			if err != nil {
				return err
			}
			shortPeriods, err := parsePeriods(shorts)
			if err != nil {
				return err
			}
			longPeriods, err := parsePeriods(longs)
			if err != nil {
				return err
			}

			sweeper := a.sweeper
			if workers > 0 || progress {
				cfg := sweep.ConfigFrom(a.cfg.Sweep)
				if workers > 0 {
					cfg.Workers = workers
				}
				var opts []sweep.Option
				if progress {
					opts = append(opts, sweep.WithProgress(func(p types.SweepProgress) {
						fmt.Fprintf(cmd.ErrOrStderr(), "[%d/%d] EMA %d/%d %s\n", p.Index, p.Total, p.ShortPeriod, p.LongPeriod, p.Status)
					}))
				}
				sweeper = sweep.NewSweeper(a.logger, a.engine, a.store, cfg, opts...)
			}

			report, err := sweeper.RunCombinations(cmd.Context(), key, shortPeriods, longPeriods)
			if err != nil {
				return err
			}
			if report.Succeeded == 0 {
				a.logger.Warn("No combination produced a result", zap.String("symbol", key.Symbol))
			}
			return render(cmd.OutOrStdout(), a.output, report, func(w io.Writer) { printReport(w, report) })
		},
	}

	kf.register(cmd)
	cmd.Flags().StringVar(&shorts, "short", "", "Comma-separated short periods (default 3..20)")
	cmd.Flags().StringVar(&longs, "long", "", "Comma-separated long periods (default 10..60)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Combinations to run concurrently (defaults to sweep.workers)")
	cmd.Flags().BoolVar(&progress, "progress", false, "Print per-combination progress to stderr")
	return cmd
}

func newBestCmd(a *app) *cobra.Command {
	var (
		kf     keyFlags
		metric string
	)

	cmd := &cobra.Command{
		Use:   "best",
		Short: "Show the stored EMA combination with the highest metric",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := kf.key(a)
			if err != nil {
				return err
			}
			best, err := a.sweeper.GetBestCombination(cmd.Context(), key, metric)
			if err != nil {
				return err
			}
			if best == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "No backtest results found")
				return nil
			}
			return render(cmd.OutOrStdout(), a.output, best, func(w io.Writer) { printRecord(w, best) })
		},
	}

	kf.register(cmd)
	cmd.Flags().StringVar(&metric, "metric", string(types.MetricTotalReturnPercent),
		"Metric to maximise: total_return_percent, total_return or final_cash")
	return cmd
}

func newSummaryCmd(a *app) *cobra.Command {
	var kf keyFlags

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarise every stored EMA combination for a symbol and range",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := kf.key(a)
			if err != nil {
				return err
			}
			summary, err := a.sweeper.GetCombinationSummary(cmd.Context(), key)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), a.output, summary, func(w io.Writer) { printSummary(w, summary) })
		},
	}

	kf.register(cmd)
	return cmd
}
