// Package config handles NervusDB configuration via environment variables
// and an optional nervusdb.yaml file.
//
// Configuration is loaded with LoadFromEnv() and can be layered with
// MergeYAMLFile() for the on-disk options recognized at open time:
// page_size, wal_group_commit_window_us, memtable_freeze_bytes,
// l0_run_trigger and cache_pages. Call Validate() before passing the
// resulting Config on to storage.Open.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.MergeYAMLFile("nervusdb.yaml"); err != nil {
//		log.Fatalf("loading nervusdb.yaml: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all NervusDB configuration.
type Config struct {
	// Storage holds the options recognized at database open.
	Storage StorageConfig `yaml:"storage"`

	// Logging controls the structured logger wrapper used across the pager,
	// WAL and GraphEngine.
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds the tunables recognized when opening a database:
// page_size, wal_group_commit_window_us, memtable_freeze_bytes,
// l0_run_trigger, cache_pages.
type StorageConfig struct {
	// DataDir is the directory holding <name>.ndb and <name>.wal.
	DataDir string `yaml:"data_dir"`
	// Database is the base name used for the .ndb/.wal pair.
	Database string `yaml:"database"`

	// PageSize must be 4096, 8192 or 16384, and must match an existing
	// file's header on reopen.
	PageSize int `yaml:"page_size"`
	// WALGroupCommitWindowUS is the fsync coalescing window in microseconds.
	WALGroupCommitWindowUS int `yaml:"wal_group_commit_window_us"`
	// MemTableFreezeBytes is the approximate staged-byte trigger for
	// freezing the active MemTable into a new L0 run.
	MemTableFreezeBytes int `yaml:"memtable_freeze_bytes"`
	// L0RunTrigger is the number of frozen L0 runs that triggers compaction.
	L0RunTrigger int `yaml:"l0_run_trigger"`
	// CachePages is the page-cache capacity, in pages.
	CachePages int `yaml:"cache_pages"`
}

// LoggingConfig holds logging settings for the structured logger wrapper.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR.
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
	// Output is stdout, stderr, or a file path.
	Output string `yaml:"output"`
}

// LoadFromEnv loads configuration from environment variables, applying
// defaults for anything unset. All NervusDB variables are prefixed with
// NERVUSDB_.
//
// Example:
//
//	os.Setenv("NERVUSDB_PAGE_SIZE", "8192")
//	os.Setenv("NERVUSDB_CACHE_PAGES", "65536")
//	cfg := config.LoadFromEnv()
func LoadFromEnv() *Config {
	cfg := &Config{}

	cfg.Storage.DataDir = getEnv("NERVUSDB_DATA_DIR", "./data")
	cfg.Storage.Database = getEnv("NERVUSDB_DATABASE", "nervusdb")
	cfg.Storage.PageSize = getEnvInt("NERVUSDB_PAGE_SIZE", 4096)
	cfg.Storage.WALGroupCommitWindowUS = getEnvInt("NERVUSDB_WAL_GROUP_COMMIT_WINDOW_US", 0)
	cfg.Storage.MemTableFreezeBytes = getEnvInt("NERVUSDB_MEMTABLE_FREEZE_BYTES", 4<<20)
	cfg.Storage.L0RunTrigger = getEnvInt("NERVUSDB_L0_RUN_TRIGGER", 4)
	cfg.Storage.CachePages = getEnvInt("NERVUSDB_CACHE_PAGES", 16384)

	cfg.Logging.Level = getEnv("NERVUSDB_LOG_LEVEL", "INFO")
	cfg.Logging.Format = getEnv("NERVUSDB_LOG_FORMAT", "text")
	cfg.Logging.Output = getEnv("NERVUSDB_LOG_OUTPUT", "stderr")

	return cfg
}

// MergeYAMLFile reads a nervusdb.yaml-shaped file at path and overlays any
// fields it sets onto cfg, leaving fields the file omits untouched. A
// missing file is not an error; callers that require the file to exist
// should stat it first.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.MergeYAMLFile("nervusdb.yaml"); err != nil {
//		log.Fatal(err)
//	}
func (c *Config) MergeYAMLFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var overlay struct {
		Storage map[string]yaml.Node `yaml:"storage"`
		Logging map[string]yaml.Node `yaml:"logging"`
	}
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for key, node := range overlay.Storage {
		if err := applyStorageField(&c.Storage, key, node); err != nil {
			return fmt.Errorf("%s: storage.%s: %w", path, key, err)
		}
	}
	for key, node := range overlay.Logging {
		if err := applyLoggingField(&c.Logging, key, node); err != nil {
			return fmt.Errorf("%s: logging.%s: %w", path, key, err)
		}
	}
	return nil
}

func applyStorageField(s *StorageConfig, key string, node yaml.Node) error {
	switch key {
	case "data_dir":
		return node.Decode(&s.DataDir)
	case "database":
		return node.Decode(&s.Database)
	case "page_size":
		return node.Decode(&s.PageSize)
	case "wal_group_commit_window_us":
		return node.Decode(&s.WALGroupCommitWindowUS)
	case "memtable_freeze_bytes":
		return node.Decode(&s.MemTableFreezeBytes)
	case "l0_run_trigger":
		return node.Decode(&s.L0RunTrigger)
	case "cache_pages":
		return node.Decode(&s.CachePages)
	default:
		return fmt.Errorf("unrecognized storage option %q", key)
	}
}

func applyLoggingField(l *LoggingConfig, key string, node yaml.Node) error {
	switch key {
	case "level":
		return node.Decode(&l.Level)
	case "format":
		return node.Decode(&l.Format)
	case "output":
		return node.Decode(&l.Output)
	default:
		return fmt.Errorf("unrecognized logging option %q", key)
	}
}

// Validate checks the configuration for values the storage engine cannot
// open with.
func (c *Config) Validate() error {
	switch c.Storage.PageSize {
	case 4096, 8192, 16384:
	default:
		return fmt.Errorf("page_size must be 4096, 8192 or 16384, got %d", c.Storage.PageSize)
	}
	if c.Storage.WALGroupCommitWindowUS < 0 {
		return fmt.Errorf("wal_group_commit_window_us must be >= 0, got %d", c.Storage.WALGroupCommitWindowUS)
	}
	if c.Storage.MemTableFreezeBytes <= 0 {
		return fmt.Errorf("memtable_freeze_bytes must be positive, got %d", c.Storage.MemTableFreezeBytes)
	}
	if c.Storage.L0RunTrigger <= 0 {
		return fmt.Errorf("l0_run_trigger must be positive, got %d", c.Storage.L0RunTrigger)
	}
	if c.Storage.CachePages <= 0 {
		return fmt.Errorf("cache_pages must be positive, got %d", c.Storage.CachePages)
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level must be one of DEBUG/INFO/WARN/ERROR, got %q", c.Logging.Level)
	}
	return nil
}

// String returns a representation of cfg safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DataDir: %s, Database: %s, PageSize: %d, CachePages: %d, L0RunTrigger: %d}",
		c.Storage.DataDir, c.Storage.Database, c.Storage.PageSize, c.Storage.CachePages, c.Storage.L0RunTrigger,
	)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GroupCommitWindow is a convenience helper for callers that want to turn
// wal_group_commit_window_us into a time.Duration without repeating the
// microsecond conversion at every call site.
func (s StorageConfig) GroupCommitWindow() time.Duration {
	return time.Duration(s.WALGroupCommitWindowUS) * time.Microsecond
}
