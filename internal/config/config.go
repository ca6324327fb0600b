package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// DeletedRecordsPolicy is the tombstone retention policy advertised by Identify.
type DeletedRecordsPolicy string

const (
	// DeletedRecordsNo purges deletions and never exposes tombstones.
	DeletedRecordsNo DeletedRecordsPolicy = "no"
	// DeletedRecordsTransient retains tombstones best-effort.
	DeletedRecordsTransient DeletedRecordsPolicy = "transient"
	// DeletedRecordsPersistent retains tombstones forever.
	DeletedRecordsPersistent DeletedRecordsPolicy = "persistent"
)

// Valid reports whether the policy is one of the three allowed values.
func (p DeletedRecordsPolicy) Valid() bool {
	switch p {
	case DeletedRecordsNo, DeletedRecordsTransient, DeletedRecordsPersistent:
		return true
	}
	return false
}

// Config holds all configuration for the OAI-PMH service and importer.
type Config struct {
	// Repository identity published by the Identify verb.
	RepositoryName string
	// AdminEmails is the raw whitespace-separated admin e-mail list.
	AdminEmails string
	// RepositoryDescriptions is a whitespace-separated list of paths to XML
	// fragments included in the Identify response.
	RepositoryDescriptions string
	// BaseURL is the public base URL echoed in the request element of every
	// response (e.g. "http://repo.example.org/oai").
	BaseURL string

	// DeletedRecords controls the tombstone policy. When "no", list and get
	// operations hide deleted rows and the importer purges them.
	DeletedRecords DeletedRecordsPolicy

	// ItemListLimit is the page size for ListIdentifiers and ListRecords.
	ItemListLimit int

	// Database
	DatastoreType string // "postgres" or "sqlite"
	DBURL         string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Server
	Port              int
	ReadHeaderTimeout time.Duration
	AccessLog         bool

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// Logging
	LogLevel string

	// MetricsLabels is a comma-separated key=value list of constant labels
	// added to all Prometheus metrics.
	MetricsLabels string

	// Importer
	ProviderType  string
	ProviderArgs  string // whitespace-separated constructor arguments
	TimestampFile string
	ForceUpdate   bool
	DryRun        bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RepositoryName:          "OAI-PMH repository",
		DeletedRecords:          DeletedRecordsPersistent,
		ItemListLimit:           100,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		DBMaxOpenConns:          25,
		DBMaxIdleConns:          5,
		Port:                    8080,
		ReadHeaderTimeout:       5 * time.Second,
		AccessLog:               true,
		DrainTimeout:            30,
		LogLevel:                "info",
		ProviderType:            "skeleton",
	}
}

// IgnoreDeleted reports whether deleted rows must be hidden from protocol
// responses. True only under the "no" tombstone policy.
func (c *Config) IgnoreDeleted() bool {
	return c.DeletedRecords == DeletedRecordsNo
}

// The e-mail shape required by the OAI-PMH XML schema.
var emailPattern = regexp.MustCompile(`^\S+@(\S+\.)+\S+$`)

// ParseAdminEmails splits and validates the admin e-mail list. At least one
// address is required.
func (c *Config) ParseAdminEmails() ([]string, error) {
	emails := strings.Fields(c.AdminEmails)
	if len(emails) == 0 {
		return nil, fmt.Errorf("admin-emails: at least one address is required")
	}
	for _, email := range emails {
		if !emailPattern.MatchString(email) {
			return nil, fmt.Errorf("admin-emails: invalid address %q", email)
		}
	}
	return emails, nil
}

// Validate checks the settings shared by the serve and import commands.
func (c *Config) Validate() error {
	if !c.DeletedRecords.Valid() {
		return fmt.Errorf("deleted-records must be one of no, transient, persistent; got %q", c.DeletedRecords)
	}
	if c.ItemListLimit <= 0 {
		return fmt.Errorf("item-list-limit must be positive; got %d", c.ItemListLimit)
	}
	if c.DBURL == "" {
		return fmt.Errorf("db-url is required")
	}
	return nil
}

// DescriptionPaths returns the repository description file paths.
func (c *Config) DescriptionPaths() []string {
	return strings.Fields(c.RepositoryDescriptions)
}

// SplitProviderArgs returns the whitespace-split provider constructor args.
func (c *Config) SplitProviderArgs() []string {
	return strings.Fields(c.ProviderArgs)
}

// ReadTimestampFile reads the last successful harvest time. A missing file
// means a full harvest; malformed content is reported so the caller can log
// it and fall back to a full harvest.
func ReadTimestampFile(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse("2006-01-02T15:04:05Z", strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp file %q: %w", path, err)
	}
	return t.UTC(), nil
}

// WriteTimestampFile records the given harvest time.
func WriteTimestampFile(path string, t time.Time) error {
	text := t.UTC().Format("2006-01-02T15:04:05Z") + "\n"
	return os.WriteFile(path, []byte(text), 0o644)
}
