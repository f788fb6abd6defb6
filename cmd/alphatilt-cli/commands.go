package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"alphatilt/internal/domain"
	"alphatilt/pkg/alphatilt"
)

// Model flags shared by backtest and weights-on-date.
var (
	lookback      int
	factors       []string
	overlayWeight float64
)

var (
	backtestStart string
	backtestEnd   string
	backtestCosts float64
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run a walk-forward backtest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		start, err := parseDateFlag("start", backtestStart)
		if err != nil {
			return err
		}
		end, err := parseDateFlag("end", backtestEnd)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		resp, err := newClient().CreateBacktest(ctx, alphatilt.BacktestRequest{
			StartDate:        start,
			EndDate:          end,
			Lookback:         lookback,
			Factors:          factors,
			OverlayWeight:    overlayWeight,
			TransactionCosts: backtestCosts,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		fmt.Fprintf(out, "backtest %s: %d months\n\n", resp.BacktestID, len(resp.Results))
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "date\tportfolio\tpassive\tcum portfolio\tcum passive\t")
		for _, p := range resp.Results {
			fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.4f\t%.4f\t\n", p.Date, p.PortfolioReturn, p.PassiveReturn, p.CumPortfolio, p.CumPassive)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		s := resp.Summary
		fmt.Fprintf(out, "\ntotal %.4f (passive %.4f)  sharpe %.2f  max drawdown %.4f  information ratio %.2f  hit rate %.2f\n",
			s.TotalReturn, s.PassiveTotalReturn, s.Sharpe, s.MaxDrawdown, s.InformationRatio, s.HitRate)
		return nil
	},
}

var exposuresCmd = &cobra.Command{
	Use:   "exposures <backtest-id>",
	Short: "Show z-scored factor exposures of a backtest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		exp, err := newClient().FactorExposures(ctx, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, exp)
		}
		if len(exp) == 0 {
			return nil
		}
		names := sortedKeys(exp[0].Exposures)
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprint(tw, "date\t")
		for _, n := range names {
			fmt.Fprintf(tw, "%s\t", n)
		}
		fmt.Fprintln(tw)
		for _, e := range exp {
			fmt.Fprintf(tw, "%s\t", e.Date)
			for _, n := range names {
				fmt.Fprintf(tw, "%.3f\t", e.Exposures[n])
			}
			fmt.Fprintln(tw)
		}
		return tw.Flush()
	},
}

var betaWindow int

var betaCmd = &cobra.Command{
	Use:   "beta <backtest-id>",
	Short: "Show the rolling beta of a backtest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		betas, err := newClient().BetaExposures(ctx, args[0], betaWindow)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, betas)
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "date\tbeta\t")
		for _, b := range betas {
			fmt.Fprintf(tw, "%s\t%.4f\t\n", b.Date, b.RollingBeta)
		}
		return tw.Flush()
	},
}

var weightsDate string

var weightsCmd = &cobra.Command{
	Use:   "weights <backtest-id>",
	Short: "Show the weights a backtest held in one month",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDateFlag("date", weightsDate)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		w, err := newClient().SessionWeights(ctx, args[0], date.Time)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), w)
		}
		return printWeights(cmd.OutOrStdout(), w)
	},
}

var weightsOnDateCmd = &cobra.Command{
	Use:   "weights-on-date <date>",
	Short: "Fit the model for one month and show its weights",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseDateFlag("date", args[0])
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		w, err := newClient().WeightsOnDate(ctx, alphatilt.WeightsRequest{
			Date:          date,
			Lookback:      lookback,
			OverlayWeight: overlayWeight,
			Factors:       factors,
		})
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), w)
		}
		return printWeights(cmd.OutOrStdout(), w)
	},
}

var (
	pullStart   string
	pullEnd     string
	pullTickers []string
)

var pullCmd = &cobra.Command{
	Use:   "pull <table>",
	Short: "Dump raw rows of a store table as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := parseDateFlag("start", pullStart)
		if err != nil {
			return err
		}
		end, err := parseDateFlag("end", pullEnd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		rows, err := newClient().PullData(ctx, alphatilt.PullRequest{
			TableName: args[0],
			StartDate: start,
			EndDate:   end,
			Tickers:   pullTickers,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rows)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the server and its store are up",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := newClient().Health(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	},
}

func addModelFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&lookback, "lookback", 12, "Training window in months")
	cmd.Flags().StringSliceVar(&factors, "factors", []string{"PE", "PB", "MOMENTUM"}, "Factor columns to regress on")
	cmd.Flags().Float64Var(&overlayWeight, "overlay", 0.6, "Gross long/short overlay (0.6 is a 30/30 overlay)")
}

func init() {
	addModelFlags(backtestCmd)
	backtestCmd.Flags().StringVar(&backtestStart, "start", "", "First date of the panel window (YYYY-MM-DD)")
	backtestCmd.Flags().StringVar(&backtestEnd, "end", "", "Last date of the panel window (YYYY-MM-DD)")
	backtestCmd.Flags().Float64Var(&backtestCosts, "costs", 0, "Transaction costs deducted per month")
	_ = backtestCmd.MarkFlagRequired("start")
	_ = backtestCmd.MarkFlagRequired("end")

	betaCmd.Flags().IntVar(&betaWindow, "window", 0, "Rolling window in months (0 uses the server default)")
	weightsCmd.Flags().StringVar(&weightsDate, "date", "", "Evaluated month (default: last)")
	addModelFlags(weightsOnDateCmd)

	pullCmd.Flags().StringVar(&pullStart, "start", "", "First date (YYYY-MM-DD)")
	pullCmd.Flags().StringVar(&pullEnd, "end", "", "Last date (YYYY-MM-DD)")
	pullCmd.Flags().StringSliceVar(&pullTickers, "tickers", nil, "Restrict to these tickers")

	rootCmd.AddCommand(backtestCmd, exposuresCmd, betaCmd, weightsCmd, weightsOnDateCmd, pullCmd, healthCmd)
}

func printWeights(out io.Writer, w *alphatilt.WeightsResponse) error {
	fmt.Fprintf(out, "weights as of %s\n\n", w.Date.Format(domain.DateLayout))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "factor\tcoef\t")
	for _, f := range sortedKeys(w.ModelCoef) {
		fmt.Fprintf(tw, "%s\t%.5f\t\n", f, w.ModelCoef[f])
	}
	fmt.Fprintf(tw, "intercept\t%.5f\t\n", w.Intercept)
	fmt.Fprintln(tw, "\t\t")

	fmt.Fprintln(tw, "sector\tlong\tshort\t")
	sectors := make([]string, 0, len(w.SectorWeights))
	for s := range w.SectorWeights {
		sectors = append(sectors, s)
	}
	sort.Strings(sectors)
	for _, s := range sectors {
		e := w.SectorWeights[s]
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t\n", s, e.Long, e.Short)
	}
	fmt.Fprintln(tw, "\t\t")

	fmt.Fprintln(tw, "ticker\tweight\t")
	for _, t := range sortedKeys(w.PortfolioWeights) {
		fmt.Fprintf(tw, "%s\t%.5f\t\n", t, w.PortfolioWeights[t])
	}
	return tw.Flush()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
