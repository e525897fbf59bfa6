package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/intellect4all/ckvdb"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ckvdemo",
	Short: "ckvdemo exercises a ckvdb store from the command line",
	Long: `ckvdemo opens (or creates) a single-file ckvdb store and runs one
transaction per invocation, the way you'd poke at a store interactively
while developing against it.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("page-size", "", "Page size in bytes (power of two, only honored on create)")
	rootCmd.PersistentFlags().Bool("non-durable", false, "Elide the commit barrier-sync")
	rootCmd.PersistentFlags().String("table", "demo", "Table name")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)

	putCmd.Flags().String("path", "", "Store file path (required)")
	putCmd.MarkFlagRequired("path")
	getCmd.Flags().String("path", "", "Store file path (required)")
	getCmd.MarkFlagRequired("path")
	rmCmd.Flags().String("path", "", "Store file path (required)")
	rmCmd.MarkFlagRequired("path")
	listCmd.Flags().String("path", "", "Store file path (required)")
	listCmd.MarkFlagRequired("path")
	statsCmd.Flags().String("path", "", "Store file path (required)")
	statsCmd.MarkFlagRequired("path")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	if asJSON {
		ckvdb.Logger = zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
	} else {
		ckvdb.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(parsed).With().Timestamp().Logger()
	}
}

func openOrCreate(cmd *cobra.Command, create bool) (*ckvdb.Database, string, error) {
	path, _ := cmd.Flags().GetString("path")
	nonDurable, _ := rootCmd.PersistentFlags().GetBool("non-durable")

	opts := []ckvdb.Option{}
	if nonDurable {
		opts = append(opts, ckvdb.WithNonDurable())
	}
	if ps, _ := rootCmd.PersistentFlags().GetString("page-size"); ps != "" {
		var n int
		if _, err := fmt.Sscanf(ps, "%d", &n); err == nil && n > 0 {
			opts = append(opts, ckvdb.WithPageSize(n))
		}
	}

	var db *ckvdb.Database
	var err error
	if create {
		db, err = ckvdb.Create(path, opts...)
	} else {
		db, err = ckvdb.Open(path, opts...)
	}
	return db, path, err
}

var putCmd = &cobra.Command{
	Use:   "put KEY VALUE",
	Short: "Insert a key/value pair in a single write transaction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableName, _ := rootCmd.PersistentFlags().GetString("table")

		db, path, err := openOrCreate(cmd, true)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer db.Close()

		wtx := db.BeginWrite()
		table, err := wtx.OpenTable(tableName, ckvdb.Bytes, ckvdb.Bytes)
		if err != nil {
			wtx.Abort()
			return fmt.Errorf("open table %s: %w", tableName, err)
		}
		if err := table.Insert([]byte(args[0]), []byte(args[1])); err != nil {
			wtx.Abort()
			return fmt.Errorf("insert: %w", err)
		}
		if err := wtx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}

		fmt.Printf("✓ put %q (table %s)\n", args[0], tableName)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Read a key in a single read transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableName, _ := rootCmd.PersistentFlags().GetString("table")

		db, path, err := openOrCreate(cmd, false)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer db.Close()

		rtx := db.BeginRead()
		defer rtx.Close()

		table, err := rtx.OpenTable(tableName, ckvdb.Bytes, ckvdb.Bytes)
		if err != nil {
			return fmt.Errorf("open table %s: %w", tableName, err)
		}
		value, found, err := table.Get([]byte(args[0]))
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		if !found {
			fmt.Printf("(not found)\n")
			return nil
		}
		fmt.Printf("%s\n", value)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm KEY",
	Short: "Remove a key in a single write transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableName, _ := rootCmd.PersistentFlags().GetString("table")

		db, path, err := openOrCreate(cmd, false)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer db.Close()

		wtx := db.BeginWrite()
		table, err := wtx.OpenTable(tableName, ckvdb.Bytes, ckvdb.Bytes)
		if err != nil {
			wtx.Abort()
			return fmt.Errorf("open table %s: %w", tableName, err)
		}
		_, removed, err := table.Remove([]byte(args[0]))
		if err != nil {
			wtx.Abort()
			return fmt.Errorf("remove: %w", err)
		}
		if err := wtx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if removed {
			fmt.Printf("✓ removed %q\n", args[0])
		} else {
			fmt.Printf("(not found)\n")
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list [LOWER] [UPPER]",
	Short: "Range-scan a table in a single read transaction",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableName, _ := rootCmd.PersistentFlags().GetString("table")

		db, path, err := openOrCreate(cmd, false)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer db.Close()

		rtx := db.BeginRead()
		defer rtx.Close()

		table, err := rtx.OpenTable(tableName, ckvdb.Bytes, ckvdb.Bytes)
		if err != nil {
			return fmt.Errorf("open table %s: %w", tableName, err)
		}

		var lower, upper []byte
		if len(args) > 0 {
			lower = []byte(args[0])
		}
		if len(args) > 1 {
			upper = []byte(args[1])
		}

		it, err := table.Range(lower, upper)
		if err != nil {
			return fmt.Errorf("range: %w", err)
		}
		defer it.Close()

		n := 0
		for {
			guard, key, ok := it.Next()
			if !ok {
				break
			}
			fmt.Printf("%s = %s\n", key, guard.Bytes())
			_ = guard.Close()
			n++
		}
		if err := it.Error(); err != nil {
			return fmt.Errorf("iterate: %w", err)
		}
		fmt.Printf("(%d entries)\n", n)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print pager-level counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, path, err := openOrCreate(cmd, false)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer db.Close()

		s := db.Stats()
		fmt.Printf("pages:        %d\n", s.NumPages)
		fmt.Printf("disk size:    %d bytes\n", s.TotalDiskSize)
		fmt.Printf("writes:       %d\n", s.WriteCount)
		fmt.Printf("reads:        %d\n", s.ReadCount)
		fmt.Printf("commits:      %d\n", s.CommitCount)
		fmt.Printf("cache hits:   %d\n", s.CacheHits)
		fmt.Printf("cache misses: %d\n", s.CacheMisses)
		return nil
	},
}
