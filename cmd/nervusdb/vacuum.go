package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVacuumCmd() *cobra.Command {
	var archiveOldWAL bool
	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Compact outstanding runs and rebase the WAL to a compact baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Vacuum(archiveOldWAL); err != nil {
				return err
			}
			fmt.Println("vacuum complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&archiveOldWAL, "archive-old-wal", false, "lz4-compress the pre-vacuum WAL as <name>.wal.lz4 instead of discarding it")
	return cmd
}
