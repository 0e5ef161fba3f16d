// Package config loads BioOF configuration.
//
// Values come from three layers, later layers winning:
//
//  1. built-in defaults (Default)
//  2. an optional YAML file (LoadFile)
//  3. environment variables prefixed with BIOOF_
//
// A .env file in the working directory is merged into the environment by
// LoadDotEnv without overriding variables that are already set.
//
// Example:
//
//	config.LoadDotEnv()
//	cfg, err := config.LoadFile(path)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment variables:
//   - BIOOF_CATALOG_DRIVER=sqlite|postgres, BIOOF_CATALOG_DSN (DATABASE_URL is honored too)
//   - BIOOF_DOCSTORE_DIR, BIOOF_DOCSTORE_IN_MEMORY, BIOOF_DOCSTORE_SYNC_WRITES, BIOOF_DOCSTORE_BATCH_SIZE
//   - BIOOF_CACHE_BACKEND=memory|badger, BIOOF_CACHE_TTL=60s, BIOOF_CACHE_MAX_ENTRIES, BIOOF_CACHE_DIR
//   - BIOOF_INDEX_M, BIOOF_INDEX_EF_CONSTRUCTION, BIOOF_INDEX_EF_SEARCH, BIOOF_INDEX_DEFAULT_K,
//     BIOOF_INDEX_SEED, BIOOF_INDEX_FULL_SCAN_FALLBACK
//   - BIOOF_INDEX_SNAPSHOT=fs|s3|none, BIOOF_INDEX_SNAPSHOT_PATH, BIOOF_S3_BUCKET, BIOOF_S3_REGION,
//     BIOOF_S3_ENDPOINT, BIOOF_S3_PREFIX, BIOOF_S3_PATH_STYLE, BIOOF_S3_ACCESS_KEY_ID, BIOOF_S3_SECRET_ACCESS_KEY
//   - BIOOF_QUERY_RESULT_LIMIT, BIOOF_QUERY_TIMEOUT
//   - BIOOF_HTTP_ADDRESS, BIOOF_HTTP_PORT, BIOOF_ADMIN_USER, BIOOF_ADMIN_PASSWORD_HASH, BIOOF_CORS_ORIGINS,
//     BIOOF_AUDIT_LOG
//   - BIOOF_LOG_LEVEL, BIOOF_LOG_FORMAT, BIOOF_LOG_OUTPUT
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Catalog  CatalogConfig  `yaml:"catalog"`
	DocStore DocStoreConfig `yaml:"docstore"`
	Cache    CacheConfig    `yaml:"cache"`
	Index    IndexConfig    `yaml:"index"`
	Query    QueryConfig    `yaml:"query"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// CatalogConfig selects the relational store.
type CatalogConfig struct {
	// Driver is sqlite or postgres
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite or a connection URL for postgres
	DSN string `yaml:"dsn"`
}

// DocStoreConfig configures the badger document store.
type DocStoreConfig struct {
	DataDir    string `yaml:"data_dir"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
	// BatchSize is the number of documents per bulk-update transaction
	BatchSize int `yaml:"batch_size"`
}

// CacheConfig configures the gene cache.
type CacheConfig struct {
	// Backend is memory (in-process LRU) or badger (TTL entries on disk)
	Backend    string        `yaml:"backend"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	DataDir    string        `yaml:"data_dir"`
}

// IndexConfig configures the similarity index and its snapshot storage.
type IndexConfig struct {
	M                int      `yaml:"m"`
	EfConstruction   int      `yaml:"ef_construction"`
	EfSearch         int      `yaml:"ef_search"`
	DefaultK         int      `yaml:"default_k"`
	Seed             int64    `yaml:"seed"`
	FullScanFallback bool     `yaml:"full_scan_fallback"`
	SnapshotBlob     string   `yaml:"snapshot_blob"`
	SnapshotPath     string   `yaml:"snapshot_path"`
	S3               S3Config `yaml:"s3"`
}

// S3Config locates the snapshot bucket. Empty credentials fall back to the
// AWS default chain.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// QueryConfig bounds read paths.
type QueryConfig struct {
	ResultLimit int           `yaml:"result_limit"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// AdminUser and AdminPasswordHash (bcrypt) guard mutating endpoints.
	// An empty hash leaves them open.
	AdminUser         string        `yaml:"admin_user"`
	AdminPasswordHash string        `yaml:"admin_password_hash"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	// AuditLog is the admin audit trail path; empty disables it
	AuditLog string `yaml:"audit_log"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (DEBUG, INFO, WARN, ERROR)
	Level string `yaml:"level"`
	// Format (json, text)
	Format string `yaml:"format"`
	// Output path (stdout, stderr, or file path)
	Output string `yaml:"output"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Catalog:  CatalogConfig{Driver: "sqlite", DSN: "./data/catalog.db"},
		DocStore: DocStoreConfig{DataDir: "./data/genes", BatchSize: 500},
		Cache:    CacheConfig{Backend: "memory", TTL: 60 * time.Second, MaxEntries: 10000, DataDir: "./data/cache"},
		Index: IndexConfig{
			M:              16,
			EfConstruction: 200,
			EfSearch:       100,
			DefaultK:       5,
			Seed:           42,
			SnapshotBlob:   "fs",
			SnapshotPath:   "./data/snapshots",
		},
		Query: QueryConfig{ResultLimit: 100, Timeout: 10 * time.Second},
		Server: ServerConfig{
			Address:      "0.0.0.0",
			Port:         8000,
			AdminUser:    "admin",
			CORSOrigins:  []string{"*"},
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
			AuditLog:     "./data/audit.log",
		},
		Logging: LoggingConfig{Level: "INFO", Format: "text", Output: "stderr"},
	}
}

// LoadDotEnv merges .env into the process environment. A missing file is
// not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// LoadFromEnv applies environment variables over the defaults.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile applies a YAML file and then the environment over the defaults.
// An empty path behaves like LoadFromEnv.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Catalog.Driver = getEnv("BIOOF_CATALOG_DRIVER", c.Catalog.Driver)
	c.Catalog.DSN = getEnv("BIOOF_CATALOG_DSN", getEnv("DATABASE_URL", c.Catalog.DSN))

	c.DocStore.DataDir = getEnv("BIOOF_DOCSTORE_DIR", c.DocStore.DataDir)
	c.DocStore.InMemory = getEnvBool("BIOOF_DOCSTORE_IN_MEMORY", c.DocStore.InMemory)
	c.DocStore.SyncWrites = getEnvBool("BIOOF_DOCSTORE_SYNC_WRITES", c.DocStore.SyncWrites)
	c.DocStore.BatchSize = getEnvInt("BIOOF_DOCSTORE_BATCH_SIZE", c.DocStore.BatchSize)

	c.Cache.Backend = getEnv("BIOOF_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.TTL = getEnvDuration("BIOOF_CACHE_TTL", c.Cache.TTL)
	c.Cache.MaxEntries = getEnvInt("BIOOF_CACHE_MAX_ENTRIES", c.Cache.MaxEntries)
	c.Cache.DataDir = getEnv("BIOOF_CACHE_DIR", c.Cache.DataDir)

	c.Index.M = getEnvInt("BIOOF_INDEX_M", c.Index.M)
	c.Index.EfConstruction = getEnvInt("BIOOF_INDEX_EF_CONSTRUCTION", c.Index.EfConstruction)
	c.Index.EfSearch = getEnvInt("BIOOF_INDEX_EF_SEARCH", c.Index.EfSearch)
	c.Index.DefaultK = getEnvInt("BIOOF_INDEX_DEFAULT_K", c.Index.DefaultK)
	c.Index.Seed = int64(getEnvInt("BIOOF_INDEX_SEED", int(c.Index.Seed)))
	c.Index.FullScanFallback = getEnvBool("BIOOF_INDEX_FULL_SCAN_FALLBACK", c.Index.FullScanFallback)
	c.Index.SnapshotBlob = getEnv("BIOOF_INDEX_SNAPSHOT", c.Index.SnapshotBlob)
	c.Index.SnapshotPath = getEnv("BIOOF_INDEX_SNAPSHOT_PATH", c.Index.SnapshotPath)
	c.Index.S3.Bucket = getEnv("BIOOF_S3_BUCKET", c.Index.S3.Bucket)
	c.Index.S3.Region = getEnv("BIOOF_S3_REGION", c.Index.S3.Region)
	c.Index.S3.Endpoint = getEnv("BIOOF_S3_ENDPOINT", c.Index.S3.Endpoint)
	c.Index.S3.Prefix = getEnv("BIOOF_S3_PREFIX", c.Index.S3.Prefix)
	c.Index.S3.PathStyle = getEnvBool("BIOOF_S3_PATH_STYLE", c.Index.S3.PathStyle)
	c.Index.S3.AccessKeyID = getEnv("BIOOF_S3_ACCESS_KEY_ID", c.Index.S3.AccessKeyID)
	c.Index.S3.SecretAccessKey = getEnv("BIOOF_S3_SECRET_ACCESS_KEY", c.Index.S3.SecretAccessKey)

	c.Query.ResultLimit = getEnvInt("BIOOF_QUERY_RESULT_LIMIT", c.Query.ResultLimit)
	c.Query.Timeout = getEnvDuration("BIOOF_QUERY_TIMEOUT", c.Query.Timeout)

	c.Server.Address = getEnv("BIOOF_HTTP_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("BIOOF_HTTP_PORT", c.Server.Port)
	c.Server.AdminUser = getEnv("BIOOF_ADMIN_USER", c.Server.AdminUser)
	c.Server.AdminPasswordHash = getEnv("BIOOF_ADMIN_PASSWORD_HASH", c.Server.AdminPasswordHash)
	c.Server.CORSOrigins = getEnvStringSlice("BIOOF_CORS_ORIGINS", c.Server.CORSOrigins)
	c.Server.AuditLog = getEnv("BIOOF_AUDIT_LOG", c.Server.AuditLog)

	c.Logging.Level = getEnv("BIOOF_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("BIOOF_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("BIOOF_LOG_OUTPUT", c.Logging.Output)
}

// Validate checks the configuration before use.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Catalog.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		errs = append(errs, fmt.Errorf("unknown catalog driver %q", c.Catalog.Driver))
	}
	if !c.DocStore.InMemory && c.DocStore.DataDir == "" {
		errs = append(errs, errors.New("docstore data dir is required unless in_memory is set"))
	}
	if c.DocStore.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid docstore batch size: %d", c.DocStore.BatchSize))
	}
	switch c.Cache.Backend {
	case "memory", "badger":
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache ttl must be positive: %s", c.Cache.TTL))
	}
	if c.Cache.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("invalid cache max entries: %d", c.Cache.MaxEntries))
	}
	if c.Index.M <= 1 || c.Index.EfConstruction <= 0 || c.Index.EfSearch <= 0 {
		errs = append(errs, fmt.Errorf("invalid index parameters m=%d ef_construction=%d ef_search=%d",
			c.Index.M, c.Index.EfConstruction, c.Index.EfSearch))
	}
	if c.Index.DefaultK <= 0 {
		errs = append(errs, fmt.Errorf("invalid default k: %d", c.Index.DefaultK))
	}
	switch c.Index.SnapshotBlob {
	case "", "none", "fs":
	case "s3":
		if c.Index.S3.Bucket == "" {
			errs = append(errs, errors.New("s3 snapshot storage requires a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown snapshot storage %q", c.Index.SnapshotBlob))
	}
	if c.Query.ResultLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid result limit: %d", c.Query.ResultLimit))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid http port: %d", c.Server.Port))
	}
	return errors.Join(errs...)
}

// String returns a representation safe for logging; secrets are omitted.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Catalog: %s, DocStore: %s, Cache: %s/%s, Index: m=%d k=%d snapshot=%s, HTTP: %s:%d, Auth: %v}",
		c.Catalog.Driver, c.docStoreLocation(), c.Cache.Backend, c.Cache.TTL,
		c.Index.M, c.Index.DefaultK, c.Index.SnapshotBlob,
		c.Server.Address, c.Server.Port, c.Server.AdminPasswordHash != "",
	)
}

func (c *Config) docStoreLocation() string {
	if c.DocStore.InMemory {
		return "memory"
	}
	return c.DocStore.DataDir
}

// Helper functions for environment variable parsing

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

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// bare integers are seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}
