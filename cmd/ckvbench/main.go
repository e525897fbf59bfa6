package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/intellect4all/ckvdb"
	"github.com/intellect4all/ckvdb/common/benchmark"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ckvbench",
	Short: "ckvbench drives mixed read/write workloads against a ckvdb store",
	Long: `ckvbench opens one or more ckvdb stores under a scratch directory and
runs the same workload suite against each. What varies between
"variants" is configuration (durable vs. non-durable)
rather than storage engine, since this binary only ever links one
engine.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("dir", "./ckvbench-data", "Scratch directory for the benchmark stores")
	rootCmd.PersistentFlags().Bool("quick", false, "Use the quick (short-duration) workload suite")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.WarnLevel
	}
	ckvdb.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(parsed).With().Timestamp().Logger()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the comparison suite across a durable and a non-durable store",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := rootCmd.PersistentFlags().GetString("dir")
		quick, _ := rootCmd.PersistentFlags().GetBool("quick")

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}

		variants := map[string][]ckvdb.Option{
			"durable":     nil,
			"non-durable": {ckvdb.WithNonDurable()},
		}

		dbs := make(map[string]*ckvdb.Database, len(variants))
		for name, opts := range variants {
			path := fmt.Sprintf("%s/%s.ckv", dir, name)
			db, err := ckvdb.Create(path, opts...)
			if err != nil {
				return fmt.Errorf("open %s store: %w", name, err)
			}
			defer db.Close()
			dbs[name] = db
		}

		suite := benchmark.NewComparisonSuite()
		if quick {
			suite.SetWorkloads(benchmark.QuickWorkloads())
		}

		results := suite.RunComparison(dbs)
		suite.PrintComparisonTable(results)
		return nil
	},
}
