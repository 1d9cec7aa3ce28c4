// Package main provides the NervusDB CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nervusdb/nervusdb/pkg/config"
	"github.com/nervusdb/nervusdb/pkg/logging"
	"github.com/nervusdb/nervusdb/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	dataDir  string
	database string
	cfgFile  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nervusdb",
		Short: "NervusDB - embedded labeled property graph database",
		Long: `NervusDB is an embedded, single-process graph database with a
Cypher-subset query surface, serializable single-writer/MVCC-many-reader
transactions, and durable crash-consistent storage.`,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Data directory")
	rootCmd.PersistentFlags().StringVar(&database, "database", "nervusdb", "Database base name (the <name>.ndb/<name>.wal pair)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to nervusdb.yaml (overlays NERVUSDB_* environment variables)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nervusdb v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(newOpenCmd())
	rootCmd.AddCommand(newQueryCmd())
	rootCmd.AddCommand(newBackupCmd())
	rootCmd.AddCommand(newRestoreCmd())
	rootCmd.AddCommand(newVacuumCmd())
	rootCmd.AddCommand(newVerifyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers an optional --config file over the environment-derived
// defaults and validates the result before any command opens a database.
func loadConfig() (*config.Config, error) {
	cfg := config.LoadFromEnv()
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if database != "" {
		cfg.Storage.Database = database
	}
	if cfgFile != "" {
		if err := cfg.MergeYAMLFile(cfgFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// engineConfig translates the validated storage section of cfg into the
// tunables storage.Open expects.
func engineConfig(cfg *config.Config) storage.EngineConfig {
	return storage.EngineConfig{
		PageSize:               cfg.Storage.PageSize,
		MemTableFreezeOps:      cfg.Storage.MemTableFreezeBytes,
		L0RunCompactTrigger:    cfg.Storage.L0RunTrigger,
		CachePages:             cfg.Storage.CachePages,
		WALGroupCommitWindowUS: cfg.Storage.WALGroupCommitWindowUS,
	}
}

// openEngine loads configuration, opens the database at cfg.Storage.DataDir
// and wires the shared logging.Logger into it at the configured level.
func openEngine() (*storage.GraphEngine, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}
	engine, err := storage.Open(cfg.Storage.DataDir, cfg.Storage.Database, engineConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	engine.SetLogger(logging.New(os.Stderr, logging.ParseLevel(cfg.Logging.Level)))
	return engine, cfg, nil
}
