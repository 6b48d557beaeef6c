// Package main provides the embergraph CLI entry point.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orneryd/embergraph/pkg/config"
	"github.com/orneryd/embergraph/pkg/graph"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "embergraph",
		Short: "embergraph - embeddable graph database",
		Long: `embergraph is an embeddable graph database written in Go.

Features:
  • Nodes, typed directed relationships and properties
  • Chained query API and a declarative pattern language
  • In-memory or badger-backed persistent storage
  • Property indexes, multi-tier caching, ACID transactions`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (selects the badger backend)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides config)")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "embergraph v%s (%s)\n", version, commit)
		},
	})

	// Query command
	queryCmd := &cobra.Command{
		Use:   "query [statement]",
		Short: "Run one declarative query and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	queryCmd.Flags().String("format", "table", "Output format: table or json")
	rootCmd.AddCommand(queryCmd)

	// Shell command (interactive REPL)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "shell",
		Short: "Interactive query shell",
		RunE:  runShell,
	})

	// Stats command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE:  runStats,
	})

	// Index commands
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Manage property indexes",
	}
	indexCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List declared indexes with entry counts",
		RunE:  runIndexList,
	})
	indexCmd.AddCommand(&cobra.Command{
		Use:   "create [Label.property]",
		Short: "Declare an index and build it from existing nodes",
		Args:  cobra.ExactArgs(1),
		RunE:  runIndexCreate,
	})
	indexCmd.AddCommand(&cobra.Command{
		Use:   "drop [Label.property]",
		Short: "Drop an index",
		Args:  cobra.ExactArgs(1),
		RunE:  runIndexDrop,
	})
	rootCmd.AddCommand(indexCmd)

	// Dump commands
	rootCmd.AddCommand(&cobra.Command{
		Use:   "export [file]",
		Short: "Write every node and relationship as a JSON-lines dump (stdout when no file)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExport,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "import [file]",
		Short: "Restore a JSON-lines dump (stdin when no file)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runImport,
	})

	return rootCmd
}

// loadConfig builds the effective configuration: defaults, then the
// config file, then EMBERGRAPH_* variables, then flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	logLevel, _ := cmd.Flags().GetString("log-level")

	cfg := config.DefaultConfig()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if dataDir != "" {
		cfg.Storage.Backend = "badger"
		cfg.Storage.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the store the flags describe and applies the runtime
// memory settings.
func openStore(cmd *cobra.Command) (*graph.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.ApplyRuntimeMemory()

	store, err := graph.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return store, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("unknown format %q (want table or json)", format)
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := store.Execute(cmd.Context(), args[0])
	if err != nil {
		printError(cmd.ErrOrStderr(), err)
		return err
	}
	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	return writeResult(cmd.OutOrStdout(), res)
}

func runStats(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		return err
	}
	return writeStats(cmd.OutOrStdout(), store.ID(), stats)
}

func runIndexList(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.IndexStats()
	if err != nil {
		return err
	}
	return writeIndexStats(cmd.OutOrStdout(), stats)
}

func runIndexCreate(cmd *cobra.Command, args []string) error {
	pair, err := config.ParseIndexPair(args[0])
	if err != nil {
		return err
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateIndex(pair.Label, pair.Property); err != nil {
		printError(cmd.ErrOrStderr(), err)
		return err
	}
	printOK(cmd.OutOrStdout(), "index %s declared", pair)
	return nil
}

func runIndexDrop(cmd *cobra.Command, args []string) error {
	pair, err := config.ParseIndexPair(args[0])
	if err != nil {
		return err
	}
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DropIndex(pair.Label, pair.Property); err != nil {
		printError(cmd.ErrOrStderr(), err)
		return err
	}
	printOK(cmd.OutOrStdout(), "index %s dropped", pair)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	w := cmd.OutOrStdout()
	toFile := len(args) == 1 && args[0] != "-"
	if toFile {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("creating dump file: %w", err)
		}
		defer f.Close()
		w = f
	}
	stats, err := store.Export(w)
	if err != nil {
		printError(cmd.ErrOrStderr(), err)
		return err
	}
	if toFile {
		printOK(cmd.OutOrStdout(), "exported %d nodes, %d relationships to %s", stats.Nodes, stats.Relationships, args[0])
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening dump file: %w", err)
		}
		defer f.Close()
		r = f
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Import(cmd.Context(), r)
	if err != nil {
		printError(cmd.ErrOrStderr(), err)
		return err
	}
	printOK(cmd.OutOrStdout(), "imported %d nodes, %d relationships", stats.Nodes, stats.Relationships)
	return nil
}
