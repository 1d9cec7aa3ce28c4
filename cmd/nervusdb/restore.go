package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nervusdb/nervusdb/pkg/storage"
)

func newRestoreCmd() *cobra.Command {
	var backupDir string
	var decryptKeyHex string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Reconstruct a database directory from a backup",
		Long:  "Validates each file's checksum against backup_manifest.json, decrypts if --decrypt-key is given, and writes the <database>.ndb/.wal pair into --data-dir. Refuses to overwrite an existing pair.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if backupDir == "" {
				return fmt.Errorf("restore: --from is required")
			}
			key, err := decodeKeyHex(decryptKeyHex)
			if err != nil {
				return err
			}
			if err := storage.Restore(backupDir, dataDir, database, key); err != nil {
				return err
			}
			fmt.Printf("restored %s/%s.ndb from %s\n", dataDir, database, backupDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&backupDir, "from", "", "Backup directory produced by 'nervusdb backup' (required)")
	cmd.Flags().StringVar(&decryptKeyHex, "decrypt-key", "", "Hex-encoded chacha20poly1305 key matching the one used for --encrypt-key at backup time")
	return cmd
}
