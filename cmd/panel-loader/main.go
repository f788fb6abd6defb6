package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"alphatilt/internal/config"
	"alphatilt/internal/domain"
	"alphatilt/internal/panel/paneltest"
	"alphatilt/internal/store"
	"alphatilt/internal/util"
)

var (
	cfgPath     string
	driver      string
	dsn         string
	dataDir     string
	panelTable  string
	factorTable string
)

// rootCmd is the base command for panel-loader
var rootCmd = &cobra.Command{
	Use:   "panel-loader",
	Short: "Provision and load alphatilt panel tables",
	Long: `panel-loader creates the wide panel table and the long per-factor table
and bulk-loads them from a Parquet panel file.

Examples:
  panel-loader load --input panel.parquet --driver postgres --dsn $DB_URL
  panel-loader load --input panel.parquet --driver sqlite --dsn /tmp/panel.db
  panel-loader synth --months 60 --tickers 40 --out panel.parquet`,
	SilenceUsage: true,
}

var inputPath string

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Create the tables and load a Parquet panel file into them",
	Args:  cobra.NoArgs,
	RunE:  runLoad,
}

var (
	synthMonths  int
	synthTickers int
	synthSeed    int64
	synthOut     string
)

var synthCmd = &cobra.Command{
	Use:   "synth",
	Short: "Write a synthetic panel file for demos and smoke tests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data := paneltest.Generate(paneltest.Options{Months: synthMonths, Tickers: synthTickers, Seed: synthSeed})
		if err := store.WritePanelFile(synthOut, data.Rows); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows (%d months, factors %v) to %s\n",
			len(data.Rows), synthMonths, data.FactorColumns, synthOut)
		return nil
	},
}

func init() {
	if err := config.LoadDotEnv(".env", "../.env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", os.Getenv("ALPHATILT_CONFIG"), "Config file supplying storage defaults")
	pf.StringVar(&driver, "driver", "", "Storage driver: postgres, sqlite or parquet")
	pf.StringVar(&dsn, "dsn", "", "Database DSN (env DB_URL)")
	pf.StringVar(&dataDir, "data-dir", "", "Directory for the parquet driver")
	pf.StringVar(&panelTable, "panel-table", "", "Wide panel table name")
	pf.StringVar(&factorTable, "factor-table", "", "Long factor table name")

	loadCmd.Flags().StringVar(&inputPath, "input", "", "Parquet panel file to load")
	_ = loadCmd.MarkFlagRequired("input")

	synthCmd.Flags().IntVar(&synthMonths, "months", 60, "Number of month ends")
	synthCmd.Flags().IntVar(&synthTickers, "tickers", 40, "Number of tickers")
	synthCmd.Flags().Int64Var(&synthSeed, "seed", 1, "Random seed")
	synthCmd.Flags().StringVar(&synthOut, "out", "panel.parquet", "Output file")

	rootCmd.AddCommand(loadCmd, synthCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// storageConfig merges the config file (or defaults) with the flags.
func storageConfig() (config.Storage, error) {
	cfg := config.Defaults()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return config.Storage{}, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else if v := os.Getenv("DB_URL"); v != "" {
		cfg.Storage.DSN = v
	}

	st := cfg.Storage
	if driver != "" {
		st.Driver = driver
	}
	if dsn != "" {
		st.DSN = dsn
	}
	if dataDir != "" {
		st.DataDir = dataDir
	}
	if panelTable != "" {
		st.PanelTable = panelTable
	}
	if factorTable != "" {
		st.FactorTable = factorTable
	}
	if st.Driver == "sqlite" && st.DSN == "" {
		st.DSN = st.SQLitePath
	}
	return st, nil
}

func runLoad(cmd *cobra.Command, _ []string) error {
	logger := util.NewLogger("info", "text")
	ctx := cmd.Context()

	st, err := storageConfig()
	if err != nil {
		return err
	}

	rows, factors, err := store.ReadPanelFile(inputPath)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s holds no rows", inputPath)
	}
	logger.Info("read panel file", "path", inputPath, "rows", len(rows), "factors", factors)

	backend, closeFn, err := store.Open(st.Driver, st.DSN, st.DataDir, store.SQLOptions{
		PanelTable:   st.PanelTable,
		FactorTable:  st.FactorTable,
		MaxOpenConns: st.MaxOpenConns,
		QueryTimeout: st.QueryTimeout,
	})
	if err != nil {
		return err
	}
	defer closeFn()

	return load(ctx, backend, st.PanelTable, factors, rows, logger)
}

func load(ctx context.Context, b store.Backend, table string, factors []string, rows []domain.PanelRow, logger *slog.Logger) error {
	if err := b.Migrate(ctx, factors); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	if err := b.WritePanel(ctx, factors, rows); err != nil {
		return fmt.Errorf("loading rows: %w", err)
	}

	_, bounds, err := b.ValidateDates(ctx, table, nil)
	if err != nil {
		return fmt.Errorf("verifying load: %w", err)
	}
	logger.Info("panel loaded",
		"table", table,
		"rows", len(rows),
		"min_date", bounds.MinDate.Format(domain.DateLayout),
		"max_date", bounds.MaxDate.Format(domain.DateLayout),
	)
	return nil
}
