package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/chirino/oai-service/internal/config"
	"github.com/chirino/oai-service/internal/oai"
	"github.com/chirino/oai-service/internal/plugin/route/oaipmh"
	routesystem "github.com/chirino/oai-service/internal/plugin/route/system"
	registrymigrate "github.com/chirino/oai-service/internal/registry/migrate"
	registryroute "github.com/chirino/oai-service/internal/registry/route"
	registrystore "github.com/chirino/oai-service/internal/registry/store"
	"github.com/chirino/oai-service/internal/telemetry"
	"github.com/chirino/oai-service/internal/xmlcheck"
	"github.com/gin-gonic/gin"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config *config.Config
	Store  registrystore.Store
	Router *gin.Engine

	// Addr is the bound listen address; useful when Port was 0.
	Addr string

	httpServer *http.Server
}

// Shutdown gracefully drains connections and releases the store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if closeErr := s.Store.Close(); err == nil {
		err = closeErr
	}
	return err
}

// StartServer initializes all subsystems and starts serving. Use cfg.Port=0
// for an OS-assigned port; the bound address is in Server.Addr.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting OAI-PMH service",
		"port", cfg.Port,
		"db", cfg.DatastoreType,
		"deletedRecords", cfg.DeletedRecords,
	)

	metricsLabels, err := telemetry.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	telemetry.InitMetrics(metricsLabels)

	if cfg.DatastoreMigrateAtStart {
		if err := registrymigrate.RunAll(ctx); err != nil {
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	descriptions, err := loadDescriptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine, err := oai.NewEngine(store, cfg, descriptions)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.AccessLog {
		router.Use(telemetry.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(telemetry.MetricsMiddleware())

	for _, loader := range registryroute.Loaders() {
		if err := loader(router); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}
	oaipmh.MountRoutes(router, engine, cfg)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	srv := &Server{
		Config: cfg,
		Store:  store,
		Router: router,
		Addr:   ln.Addr().String(),
		httpServer: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
	}
	go func() {
		if err := srv.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "err", err)
		}
	}()

	routesystem.MarkReady()
	log.Info("Serving", "addr", srv.Addr)
	return srv, nil
}

// loadDescriptions reads and validates the repository description fragments
// referenced by the repository-descriptions setting.
func loadDescriptions(cfg *config.Config) ([]string, error) {
	var descriptions []string
	for _, path := range cfg.DescriptionPaths() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("repository description: %w", err)
		}
		text := string(data)
		if err := xmlcheck.CheckDescription(text); err != nil {
			return nil, fmt.Errorf("repository description %q: %w", path, err)
		}
		descriptions = append(descriptions, text)
	}
	return descriptions, nil
}
