// Package app assembles the engagement engine from configuration for the cmd binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"example.com/engagement/internal/config"
	"example.com/engagement/internal/geo"
	"example.com/engagement/internal/migration"
	persistence "example.com/engagement/internal/persistence/postgres"
	"example.com/engagement/internal/reconcile"
	"example.com/engagement/internal/service"
)

// OpenPool connects to Postgres and, when AUTO_MIGRATE is set, applies the embedded schema.
func OpenPool(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if !cfg.AutoMigrate {
		return pool, nil
	}

	db, err := sql.Open("pgx", cfg.PostgresURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()
	if err := migration.RunMigrations(db); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("database migrations applied")
	return pool, nil
}

// Engine is the wired service graph shared by the API, consumer and reconciler binaries.
type Engine struct {
	Repository *persistence.Repository
	Matcher    *geo.Matcher
	Reconciler *reconcile.Reconciler
	Service    *service.Service
}

// NewEngine builds the repository, place matcher, reconciler and service over pool.
func NewEngine(cfg config.Config, pool *pgxpool.Pool, logger *zap.Logger) (*Engine, error) {
	kinds, err := cfg.Kinds()
	if err != nil {
		return nil, err
	}
	constants := cfg.PolicyConstants()

	repo := persistence.NewRepository(pool, persistence.WithLogger(logger))

	matcherOpts := []geo.MatcherOption{
		geo.WithTimeout(cfg.GeoLookupTimeout),
		geo.WithFailureSink(repo),
		geo.WithLogger(logger),
	}
	if cfg.PlacesAPIURL != "" {
		places := geo.NewPlacesClient(cfg.PlacesAPIURL, cfg.PlacesAPIKey, cfg.GeoLookupTimeout)
		matcherOpts = append(matcherOpts, geo.WithExternal(geo.NewCachedLocator(places, cfg.GeoCacheMB, cfg.GeoCacheTTL)))
	}
	matcher := geo.NewMatcher([]geo.Locator{repo.KnownLocations()}, matcherOpts...)

	rec := reconcile.New(repo, kinds, constants,
		reconcile.WithMatcher(matcher),
		reconcile.WithLogger(logger),
	)
	svc := service.New(repo, kinds, constants,
		service.WithMatcher(matcher),
		service.WithInvitations(repo),
		service.WithLocations(repo),
		service.WithReconciler(rec),
		service.WithLogger(logger),
	)
	return &Engine{Repository: repo, Matcher: matcher, Reconciler: rec, Service: svc}, nil
}
