package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg := LoadFromEnv()
	require.Equal(t, 4096, cfg.Storage.PageSize)
	require.Equal(t, 4, cfg.Storage.L0RunTrigger)
	require.Equal(t, 16384, cfg.Storage.CachePages)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("NERVUSDB_PAGE_SIZE", "8192")
	t.Setenv("NERVUSDB_CACHE_PAGES", "1024")
	t.Setenv("NERVUSDB_LOG_LEVEL", "debug")

	cfg := LoadFromEnv()
	require.Equal(t, 8192, cfg.Storage.PageSize)
	require.Equal(t, 1024, cfg.Storage.CachePages)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadPageSize(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.Storage.PageSize = 1234
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveTriggers(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.Storage.L0RunTrigger = 0
	require.Error(t, cfg.Validate())

	cfg = LoadFromEnv()
	cfg.Storage.MemTableFreezeBytes = -1
	require.Error(t, cfg.Validate())
}

func TestMergeYAMLFileOverlaysRecognizedOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nervusdb.yaml")
	contents := `
storage:
  page_size: 16384
  cache_pages: 2048
  l0_run_trigger: 8
logging:
  level: WARN
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg := LoadFromEnv()
	require.NoError(t, cfg.MergeYAMLFile(path))

	require.Equal(t, 16384, cfg.Storage.PageSize)
	require.Equal(t, 2048, cfg.Storage.CachePages)
	require.Equal(t, 8, cfg.Storage.L0RunTrigger)
	require.Equal(t, "WARN", cfg.Logging.Level)
	// untouched by the overlay
	require.Equal(t, 4<<20, cfg.Storage.MemTableFreezeBytes)

	require.NoError(t, cfg.Validate())
}

func TestMergeYAMLFileMissingIsNotAnError(t *testing.T) {
	cfg := LoadFromEnv()
	require.NoError(t, cfg.MergeYAMLFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestMergeYAMLFileRejectsUnknownOption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nervusdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  bogus_option: 1\n"), 0o644))

	cfg := LoadFromEnv()
	require.Error(t, cfg.MergeYAMLFile(path))
}

func TestGroupCommitWindowConvertsMicroseconds(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.Storage.WALGroupCommitWindowUS = 2500
	require.Equal(t, int64(2500000), cfg.Storage.GroupCommitWindow().Nanoseconds())
}
