package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check a database's WAL for torn writes",
		Long:  "Scans <data-dir>/<database>.wal forward, reporting whether the tail was torn and how many durable records it found, then opens the database to report its live node count. That open is a normal one: closing it appends a checkpoint record to the WAL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			walPath := filepath.Join(cfg.Storage.DataDir, cfg.Storage.Database+".wal")
			result, err := storage.ReplayWAL(walPath)
			if err != nil {
				return err
			}
			fmt.Printf("wal records: %d\n", len(result.Records))
			if result.Torn {
				fmt.Println("status: torn tail truncated at last valid record boundary")
			} else {
				fmt.Println("status: clean")
			}

			engine, _, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()
			snap := engine.Snapshot()
			fmt.Printf("live nodes: %d\n", len(snap.Nodes()))
			return nil
		},
	}
}
