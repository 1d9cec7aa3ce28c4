package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"golang.org/x/crypto/chacha20poly1305"
)

func newBackupCmd() *cobra.Command {
	var destDir string
	var encryptKeyHex string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy the database's .ndb and .wal into a backup directory",
		Long:  "Fsyncs the pager and WAL, then copies both files into --dest alongside a backup_manifest.json. With --encrypt-key, each copied file is sealed with chacha20poly1305.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if destDir == "" {
				return fmt.Errorf("backup: --dest is required")
			}
			key, err := decodeKeyHex(encryptKeyHex)
			if err != nil {
				return err
			}
			engine, _, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			manifest, err := engine.Backup(destDir, key)
			if err != nil {
				return err
			}
			fmt.Printf("backup %s complete: %d file(s) written to %s\n", manifest.BackupID, len(manifest.Files), destDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&destDir, "dest", "", "Destination directory for the backup (required)")
	cmd.Flags().StringVar(&encryptKeyHex, "encrypt-key", "", "Hex-encoded chacha20poly1305 key (32 bytes) to encrypt the backup at rest")
	return cmd
}

func decodeKeyHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key must be %d bytes hex-encoded, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}
