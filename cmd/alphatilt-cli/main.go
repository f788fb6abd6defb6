package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"alphatilt/internal/util"
	"alphatilt/pkg/alphatilt"
)

const version = "0.1.0"

var (
	serverURL  string
	outputJSON bool
	timeout    time.Duration
)

// rootCmd is the base command for the alphatilt CLI
var rootCmd = &cobra.Command{
	Use:   "alphatilt-cli",
	Short: "Command-line client for alphatilt-server",
	Long: `alphatilt-cli runs walk-forward factor backtests on an alphatilt-server
and queries the analytics of retained backtest sessions.

Examples:
  alphatilt-cli backtest --start 2015-01-31 --end 2020-12-31 --lookback 12 --factors PE,PB
  alphatilt-cli exposures <backtest-id>
  alphatilt-cli beta <backtest-id> --window 6`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "alphatilt-cli %s\n", version)
	},
}

func init() {
	defaultURL := "http://localhost:8000"
	if v := os.Getenv("ALPHATILT_URL"); v != "" {
		defaultURL = v
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "alphatilt-server base URL (env ALPHATILT_URL)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print raw JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Request timeout")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *alphatilt.Client {
	return alphatilt.NewClient(serverURL)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDateFlag(name, value string) (alphatilt.Date, error) {
	if value == "" {
		return alphatilt.Date{}, nil
	}
	t, err := util.ParseDate(value)
	if err != nil {
		return alphatilt.Date{}, fmt.Errorf("--%s: %w", name, err)
	}
	return alphatilt.NewDate(t), nil
}
