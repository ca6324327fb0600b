// Package importer implements the import sub-command: one harvest run
// against a metadata provider.
package importer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/oai-service/internal/config"
	"github.com/chirino/oai-service/internal/harvest"
	"github.com/chirino/oai-service/internal/oai"
	registrymigrate "github.com/chirino/oai-service/internal/registry/migrate"
	registryprovider "github.com/chirino/oai-service/internal/registry/provider"
	registrystore "github.com/chirino/oai-service/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/oai-service/internal/plugin/provider/ddifs"
	_ "github.com/chirino/oai-service/internal/plugin/provider/skeleton"
	_ "github.com/chirino/oai-service/internal/plugin/store/postgres"
	_ "github.com/chirino/oai-service/internal/plugin/store/sqlite"
)

// Command returns the import sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var deletedRecords string = string(cfg.DeletedRecords)
	return &cli.Command{
		Name:  "import",
		Usage: "Harvest metadata from the configured provider into the store",
		Flags: flags(&cfg, &deletedRecords),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.DeletedRecords = config.DeletedRecordsPolicy(deletedRecords)
			parsed, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			log.SetLevel(parsed)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, deletedRecords *string) []cli.Flag {
	return []cli.Flag{

		// ── Provider ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "provider-kind",
			Category:    "Provider:",
			Sources:     cli.EnvVars("OAI_SERVICE_PROVIDER_KIND"),
			Destination: &cfg.ProviderType,
			Value:       cfg.ProviderType,
			Usage:       "Metadata provider (" + strings.Join(registryprovider.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "provider-args",
			Category:    "Provider:",
			Sources:     cli.EnvVars("OAI_SERVICE_PROVIDER_ARGS"),
			Destination: &cfg.ProviderArgs,
			Usage:       "Whitespace-separated provider constructor arguments",
		},

		// ── Harvest ───────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "timestamp-file",
			Category:    "Harvest:",
			Sources:     cli.EnvVars("OAI_SERVICE_TIMESTAMP_FILE"),
			Destination: &cfg.TimestampFile,
			Usage:       "File tracking the last successful harvest time; enables incremental harvests",
		},
		&cli.BoolFlag{
			Name:        "force-update",
			Category:    "Harvest:",
			Sources:     cli.EnvVars("OAI_SERVICE_FORCE_UPDATE"),
			Destination: &cfg.ForceUpdate,
			Usage:       "Harvest all items even when the timestamp file is present",
		},
		&cli.BoolFlag{
			Name:        "dry-run",
			Category:    "Harvest:",
			Sources:     cli.EnvVars("OAI_SERVICE_DRY_RUN"),
			Destination: &cfg.DryRun,
			Usage:       "Fetch records as usual but roll back all database changes",
		},
		&cli.StringFlag{
			Name:        "deleted-records",
			Category:    "Harvest:",
			Sources:     cli.EnvVars("OAI_SERVICE_DELETED_RECORDS"),
			Destination: deletedRecords,
			Value:       *deletedRecords,
			Usage:       "Tombstone policy (no|transient|persistent); \"no\" purges deletions",
		},

		// ── Database ──────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("OAI_SERVICE_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Backend store (" + strings.Join(registrystore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("OAI_SERVICE_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL",
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("OAI_SERVICE_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Run schema migrations before harvesting",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "log-level",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("OAI_SERVICE_LOG_LEVEL"),
			Destination: &cfg.LogLevel,
			Value:       cfg.LogLevel,
			Usage:       "Log level (debug|info|warn|error)",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	if cfg.DatastoreMigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	factory, err := registryprovider.Select(cfg.ProviderType)
	if err != nil {
		return err
	}
	provider, err := factory(cfg.SplitProviderArgs())
	if err != nil {
		return fmt.Errorf("failed to initialize provider %q: %w", cfg.ProviderType, err)
	}

	since := readSince(&cfg)

	// Taken before the harvest so changes made while it runs are picked up
	// again by the next incremental run.
	newTimestamp := oai.Now()

	h := harvest.New(store, provider)
	h.Since = since
	h.Purge = cfg.IgnoreDeleted()
	h.DryRun = cfg.DryRun
	if err := h.Update(ctx); err != nil {
		return err
	}

	if cfg.TimestampFile != "" && !cfg.DryRun {
		if err := config.WriteTimestampFile(cfg.TimestampFile, newTimestamp); err != nil {
			return fmt.Errorf("failed to write timestamp file: %w", err)
		}
	}
	log.Info("Harvest complete")
	return nil
}

// readSince decides between a full and an incremental harvest.
func readSince(cfg *config.Config) *time.Time {
	if cfg.ForceUpdate || cfg.TimestampFile == "" {
		return nil
	}
	t, err := config.ReadTimestampFile(cfg.TimestampFile)
	switch {
	case os.IsNotExist(err):
		log.Info("No timestamp file; harvesting everything", "path", cfg.TimestampFile)
		return nil
	case err != nil:
		log.Warn("Ignoring invalid timestamp file; harvesting everything", "err", err)
		return nil
	}
	return &t
}
