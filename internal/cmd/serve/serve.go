// Package serve implements the serve sub-command: the OAI-PMH HTTP server.
package serve

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/oai-service/internal/config"
	registrystore "github.com/chirino/oai-service/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/oai-service/internal/plugin/route/system"
	_ "github.com/chirino/oai-service/internal/plugin/store/postgres"
	_ "github.com/chirino/oai-service/internal/plugin/store/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	var deletedRecords string = string(cfg.DeletedRecords)
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the OAI-PMH HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs, &deletedRecords),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			cfg.DeletedRecords = config.DeletedRecordsPolicy(deletedRecords)
			if err := applyLogLevel(cfg.LogLevel); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func applyLogLevel(level string) error {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(parsed)
	return nil
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int, deletedRecords *string) []cli.Flag {
	return []cli.Flag{

		// ── Repository ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "repository-name",
			Category:    "Repository:",
			Sources:     cli.EnvVars("OAI_SERVICE_REPOSITORY_NAME"),
			Destination: &cfg.RepositoryName,
			Value:       cfg.RepositoryName,
			Usage:       "Human-readable repository name for the Identify response",
		},
		&cli.StringFlag{
			Name:        "admin-emails",
			Category:    "Repository:",
			Sources:     cli.EnvVars("OAI_SERVICE_ADMIN_EMAILS"),
			Destination: &cfg.AdminEmails,
			Usage:       "Whitespace-separated administrator e-mail addresses",
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "base-url",
			Category:    "Repository:",
			Sources:     cli.EnvVars("OAI_SERVICE_BASE_URL"),
			Destination: &cfg.BaseURL,
			Usage:       "Public base URL echoed in every response (e.g. http://repo.example.org/oai)",
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "repository-descriptions",
			Category:    "Repository:",
			Sources:     cli.EnvVars("OAI_SERVICE_REPOSITORY_DESCRIPTIONS"),
			Destination: &cfg.RepositoryDescriptions,
			Usage:       "Whitespace-separated paths of XML fragments included in Identify",
		},
		&cli.StringFlag{
			Name:        "deleted-records",
			Category:    "Repository:",
			Sources:     cli.EnvVars("OAI_SERVICE_DELETED_RECORDS"),
			Destination: deletedRecords,
			Value:       *deletedRecords,
			Usage:       "Tombstone policy advertised by Identify (no|transient|persistent)",
		},
		&cli.IntFlag{
			Name:        "item-list-limit",
			Category:    "Repository:",
			Sources:     cli.EnvVars("OAI_SERVICE_ITEM_LIST_LIMIT"),
			Destination: &cfg.ItemListLimit,
			Value:       cfg.ItemListLimit,
			Usage:       "Page size for ListIdentifiers and ListRecords",
		},

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("OAI_SERVICE_PORT"),
			Destination: &cfg.Port,
			Value:       cfg.Port,
			Usage:       "HTTP server port",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("OAI_SERVICE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("OAI_SERVICE_ACCESS_LOG"),
			Destination: &cfg.AccessLog,
			Value:       cfg.AccessLog,
			Usage:       "Enable HTTP access logging",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("OAI_SERVICE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
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
			Usage:       "Run schema migrations before serving",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("OAI_SERVICE_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("OAI_SERVICE_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum number of idle database connections",
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
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("OAI_SERVICE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       "service=oai-service",
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
