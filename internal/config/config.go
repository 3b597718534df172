// Package config loads contentbridge configuration: built-in defaults, then an
// optional YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/johnswift/contentbridge/internal/files"
	"github.com/johnswift/contentbridge/internal/migrate"
	"github.com/johnswift/contentbridge/internal/objstore"
)

// Repository drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// DefaultFileTTLMillis is one day.
const DefaultFileTTLMillis int64 = 86400000

// Config is the complete runtime configuration.
type Config struct {
	Storage     StorageConfig    `yaml:"storage"`
	Migration   MigrationConfig  `yaml:"migration"`
	Repository  RepositoryConfig `yaml:"repository"`
	HTTP        HTTPConfig       `yaml:"http"`
	Jobs        JobsConfig       `yaml:"jobs"`
	ObjectStore objstore.Config  `yaml:"object_store"`
	Log         LogConfig        `yaml:"log"`

	// Properties are -D key=value pairs from the command line.
	Properties map[string]string `yaml:"-"`
}

type StorageConfig struct {
	Dir           string        `yaml:"dir"`
	FileTTLMillis int64         `yaml:"file_ttl_ms"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MigrationConfig holds the default execution parameters of every run.
type MigrationConfig struct {
	BatchSize            int                    `yaml:"batch_size"`
	ThrottleMillis       *int64                 `yaml:"throttle_ms"`
	PublishOnImport      string                 `yaml:"publish_on_import"`
	DataURLSizeThreshold int64                  `yaml:"data_url_size_threshold"`
	DocbasePropertyNames []string               `yaml:"docbase_property_names"`
	DocumentTags         []string               `yaml:"document_tags"`
	BinaryTags           []string               `yaml:"binary_tags"`
	GalleryFolder        migrate.FolderDefaults `yaml:"gallery_folder"`
	AssetFolder          migrate.FolderDefaults `yaml:"asset_folder"`
	BinaryRoots          []string               `yaml:"binary_roots"`
	DocumentRoots        []string               `yaml:"document_roots"`
}

type RepositoryConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
	// SeedFile optionally preloads the memory repository with a JSON node list.
	SeedFile string `yaml:"seed_file"`
}

type HTTPConfig struct {
	Addr             string   `yaml:"addr"`
	ForwardedHeaders []string `yaml:"forwarded_headers"`
	MaxUploadBytes   int64    `yaml:"max_upload_bytes"`
}

type JobsConfig struct {
	// StatusDB is a SQLite file for process statuses; empty keeps them in memory.
	StatusDB  string        `yaml:"status_db"`
	Retention time.Duration `yaml:"retention"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			FileTTLMillis: DefaultFileTTLMillis,
			SweepInterval: 10 * time.Minute,
		},
		Repository: RepositoryConfig{Driver: DriverMemory},
		HTTP:       HTTPConfig{Addr: ":8080"},
		Jobs:       JobsConfig{Retention: 7 * 24 * time.Hour},
		Log:        LogConfig{Level: "info"},
		Properties: map[string]string{},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the environment. getenv nil means os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if cfg.Properties == nil {
		cfg.Properties = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(getenv func(string) string, key string, dst *int64) error {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) applyEnv(getenv func(string) string) error {
	c.Storage.Dir = getEnv(getenv, "CONTENTBRIDGE_STORAGE_DIR", c.Storage.Dir)
	if err := envInt(getenv, "CONTENTBRIDGE_FILE_TTL_MS", &c.Storage.FileTTLMillis); err != nil {
		return err
	}

	batch := int64(c.Migration.BatchSize)
	if err := envInt(getenv, "CONTENTBRIDGE_BATCH_SIZE", &batch); err != nil {
		return err
	}
	c.Migration.BatchSize = int(batch)
	if v := getenv("CONTENTBRIDGE_THROTTLE_MS"); strings.TrimSpace(v) != "" {
		var ms int64
		if err := envInt(getenv, "CONTENTBRIDGE_THROTTLE_MS", &ms); err != nil {
			return err
		}
		c.Migration.ThrottleMillis = &ms
	}
	c.Migration.PublishOnImport = getEnv(getenv, "CONTENTBRIDGE_PUBLISH_ON_IMPORT", c.Migration.PublishOnImport)
	if err := envInt(getenv, "CONTENTBRIDGE_DATA_URL_THRESHOLD", &c.Migration.DataURLSizeThreshold); err != nil {
		return err
	}

	c.Repository.Driver = getEnv(getenv, "CONTENTBRIDGE_REPOSITORY", c.Repository.Driver)
	c.Repository.DatabaseURL = getEnv(getenv, "DATABASE_URL", c.Repository.DatabaseURL)

	c.HTTP.Addr = getEnv(getenv, "CONTENTBRIDGE_HTTP_ADDR", c.HTTP.Addr)
	if v := getEnv(getenv, "CONTENTBRIDGE_FORWARDED_HEADERS", ""); v != "" {
		c.HTTP.ForwardedHeaders = splitList(v)
	}
	c.Jobs.StatusDB = getEnv(getenv, "CONTENTBRIDGE_STATUS_DB", c.Jobs.StatusDB)

	c.ObjectStore.Endpoint = getEnv(getenv, "CONTENTBRIDGE_S3_ENDPOINT", c.ObjectStore.Endpoint)
	c.ObjectStore.AccessKey = getEnv(getenv, "CONTENTBRIDGE_S3_ACCESS_KEY", c.ObjectStore.AccessKey)
	c.ObjectStore.SecretKey = getEnv(getenv, "CONTENTBRIDGE_S3_SECRET_KEY", c.ObjectStore.SecretKey)
	c.ObjectStore.Bucket = getEnv(getenv, "CONTENTBRIDGE_S3_BUCKET", c.ObjectStore.Bucket)

	c.Log.Level = getEnv(getenv, "CONTENTBRIDGE_LOG_LEVEL", c.Log.Level)
	return nil
}

// SetProperty records a -D key=value pair.
func (c *Config) SetProperty(kv string) error {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("property %q: expected key=value", kv)
	}
	if c.Properties == nil {
		c.Properties = map[string]string{}
	}
	c.Properties[strings.TrimSpace(k)] = v
	return nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Repository.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Repository.DatabaseURL == "" {
			errs = append(errs, errors.New("repository.database_url (DATABASE_URL) is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("repository.driver %q must be %s or %s", c.Repository.Driver, DriverMemory, DriverPostgres))
	}
	if c.Storage.FileTTLMillis <= 0 {
		errs = append(errs, fmt.Errorf("storage.file_ttl_ms must be positive, got %d", c.Storage.FileTTLMillis))
	}
	if c.Storage.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("storage.sweep_interval must be positive, got %s", c.Storage.SweepInterval))
	}
	if c.Jobs.Retention <= 0 {
		errs = append(errs, fmt.Errorf("jobs.retention must be positive, got %s", c.Jobs.Retention))
	}
	if c.Migration.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("migration.batch_size must not be negative, got %d", c.Migration.BatchSize))
	}
	if _, err := migrate.ParsePublishPolicy(c.Migration.PublishOnImport); err != nil {
		errs = append(errs, err)
	}
	if c.ObjectStore.Enabled() && c.ObjectStore.Bucket == "" {
		errs = append(errs, errors.New("object_store.bucket is required when an endpoint is set"))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// FileTTL is the managed file lifetime.
func (c *Config) FileTTL() time.Duration {
	return time.Duration(c.Storage.FileTTLMillis) * time.Millisecond
}

// FileOptions configures the managed file area.
func (c *Config) FileOptions(log *zap.Logger) files.Options {
	return files.Options{
		StorageDir: c.Storage.Dir,
		Properties: c.Properties,
		TTL:        c.FileTTL(),
		Logger:     log,
	}
}

// Parameters returns the default execution parameters.
func (c *Config) Parameters() migrate.Parameters {
	m := c.Migration
	return migrate.Parameters{
		BatchSize:            m.BatchSize,
		ThrottleMillis:       m.ThrottleMillis,
		PublishOnImport:      migrate.PublishPolicy(m.PublishOnImport),
		DataURLSizeThreshold: m.DataURLSizeThreshold,
		DocbasePropertyNames: m.DocbasePropertyNames,
		DocumentTags:         m.DocumentTags,
		BinaryTags:           m.BinaryTags,
		GalleryFolder:        m.GalleryFolder,
		AssetFolder:          m.AssetFolder,
		BinaryRoots:          m.BinaryRoots,
		DocumentRoots:        m.DocumentRoots,
	}.WithDefaults().Clone()
}

// Logger builds the zap logger. Output goes to stderr so stdout stays free for
// the stdio tool protocol.
func (c *Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}
