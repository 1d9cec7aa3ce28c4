package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nervusdb/nervusdb/pkg/logging"
)

// NervusVersion is stamped into every backup manifest; bumped alongside the
// on-disk format version in Header.
const NervusVersion = "2.0.0"

// BackupFile describes one file copied into a backup directory.
type BackupFile struct {
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	Checksum       string `json:"checksum"` // sha256, hex
	IsWAL          bool   `json:"is_wal"`
	WALStartOffset int64  `json:"wal_start_offset,omitempty"`
}

// BackupCheckpoint records the commit epoch the backup was taken at.
type BackupCheckpoint struct {
	TxID  uint64 `json:"txid"`
	Epoch uint64 `json:"epoch"`
}

// BackupManifest is the JSON sidecar written alongside a backup's copied
// files.
type BackupManifest struct {
	BackupID       string           `json:"backup_id"`
	CreatedAt      string           `json:"created_at"`
	NervusVersion  string           `json:"nervusdb_version"`
	Checkpoint     BackupCheckpoint `json:"checkpoint"`
	Files          []BackupFile     `json:"files"`
	Status         string           `json:"status"`
}

// Backup copies the current .ndb and .wal into destDir along with a
// backup_manifest.json describing them. If encryptKey is non-nil
// it must be exactly chacha20poly1305.KeySize bytes; each copied file is
// then sealed with a random nonce and the manifest entry's name gets a
// ".enc" suffix.
//
// The WAL is always backed up from offset zero, not from the last
// checkpoint: a partial-WAL backup is only restorable if the paired .ndb is
// known to be at exactly the checkpoint's state, and Backup always copies
// the live .ndb alongside it, so there is no benefit to truncating the WAL
// copy and a real cost in correctness if the checkpoint bookkeeping ever
// drifts. WALStartOffset is recorded as 0 for that reason; the field is
// kept in the schema for a future incremental-backup mode that chains off a
// prior backup's checkpoint.
func (e *GraphEngine) Backup(destDir string, encryptKey []byte) (*BackupManifest, error) {
	if encryptKey != nil && len(encryptKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: backup encryption key must be %d bytes", ErrInvalidArgument, chacha20poly1305.KeySize)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.pager.Sync(); err != nil {
		return nil, err
	}
	if err := e.wal.Sync(); err != nil {
		return nil, err
	}

	e.stateMu.RLock()
	epoch := e.epoch
	e.stateMu.RUnlock()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	manifest := &BackupManifest{
		BackupID:      uuid.New().String(),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		NervusVersion: NervusVersion,
		Checkpoint:    BackupCheckpoint{TxID: epoch, Epoch: epoch},
		Status:        "complete",
	}

	sources := []struct {
		path  string
		isWAL bool
	}{
		{e.pager.file.Name(), false},
		{e.wal.file.Name(), true},
	}

	for _, src := range sources {
		bf, err := copyBackupFile(src.path, destDir, src.isWAL, encryptKey)
		if err != nil {
			return nil, err
		}
		manifest.Files = append(manifest.Files, bf)
	}
	if encryptKey != nil {
		manifest.Status = "encrypted"
	}

	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "backup_manifest.json"), out, 0644); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	e.log.Info("backup", "completed", logging.Fields("dest", destDir, "id", manifest.BackupID, "status", manifest.Status))
	return manifest, nil
}

func copyBackupFile(srcPath, destDir string, isWAL bool, encryptKey []byte) (BackupFile, error) {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return BackupFile{}, fmt.Errorf("%w: %v", ErrIO, err)
	}

	name := filepath.Base(srcPath)
	payload := raw
	if encryptKey != nil {
		aead, err := chacha20poly1305.New(encryptKey)
		if err != nil {
			return BackupFile{}, fmt.Errorf("%w: %v", ErrBackupProtocol, err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return BackupFile{}, fmt.Errorf("%w: %v", ErrIO, err)
		}
		sealed := aead.Seal(nil, nonce, raw, nil)
		payload = append(nonce, sealed...)
		name += ".enc"
	}

	destPath := filepath.Join(destDir, name)
	if err := os.WriteFile(destPath, payload, 0644); err != nil {
		return BackupFile{}, fmt.Errorf("%w: %v", ErrIO, err)
	}

	sum := sha256.Sum256(payload)
	return BackupFile{
		Name:     name,
		Size:     int64(len(payload)),
		Checksum: hex.EncodeToString(sum[:]),
		IsWAL:    isWAL,
	}, nil
}

// Restore reconstructs a database directory from a backup produced by
// Backup. It validates each file's checksum before writing, and refuses to
// overwrite an existing .ndb/.wal pair at destDir unless they are absent.
func Restore(backupDir, destDir, name string, decryptKey []byte) error {
	manifestRaw, err := os.ReadFile(filepath.Join(backupDir, "backup_manifest.json"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackupProtocol, err)
	}
	var manifest BackupManifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return fmt.Errorf("%w: invalid backup_manifest.json: %v", ErrBackupProtocol, err)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	for _, ext := range []string{".ndb", ".wal"} {
		if _, err := os.Stat(filepath.Join(destDir, name+ext)); err == nil {
			return fmt.Errorf("%w: %s%s already exists in %s", ErrInvalidArgument, name, ext, destDir)
		}
	}

	for _, f := range manifest.Files {
		raw, err := os.ReadFile(filepath.Join(backupDir, f.Name))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackupProtocol, err)
		}
		sum := sha256.Sum256(raw)
		if hex.EncodeToString(sum[:]) != f.Checksum {
			return fmt.Errorf("%w: checksum mismatch for %s", ErrCorruption, f.Name)
		}

		payload := raw
		if len(f.Name) > 4 && f.Name[len(f.Name)-4:] == ".enc" {
			if decryptKey == nil {
				return fmt.Errorf("%w: %s is encrypted but no key was provided", ErrBackupProtocol, f.Name)
			}
			aead, err := chacha20poly1305.New(decryptKey)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBackupProtocol, err)
			}
			if len(raw) < aead.NonceSize() {
				return fmt.Errorf("%w: truncated encrypted backup file %s", ErrCorruption, f.Name)
			}
			nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
			opened, err := aead.Open(nil, nonce, sealed, nil)
			if err != nil {
				return fmt.Errorf("%w: decrypt failed for %s: %v", ErrBackupProtocol, f.Name, err)
			}
			payload = opened
		}

		ext := ".ndb"
		if f.IsWAL {
			ext = ".wal"
		}
		if err := os.WriteFile(filepath.Join(destDir, name+ext), payload, 0644); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return nil
}
