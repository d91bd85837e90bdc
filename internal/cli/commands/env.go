package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/conduit-lang/normalizer/internal/auth"
	"github.com/conduit-lang/normalizer/internal/cache"
	"github.com/conduit-lang/normalizer/internal/cli/config"
	"github.com/conduit-lang/normalizer/internal/cli/ui"
	"github.com/conduit-lang/normalizer/internal/logging"
	"github.com/conduit-lang/normalizer/internal/metrics"
	"github.com/conduit-lang/normalizer/internal/normalizer"
	"github.com/conduit-lang/normalizer/internal/orm/relationships"
	"github.com/conduit-lang/normalizer/internal/orm/schema"
	"github.com/conduit-lang/normalizer/internal/orm/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// environment holds everything a command needs to talk to the store
type environment struct {
	cfg        *config.Config
	logger     *zap.Logger
	registry   *schema.Registry
	session    *store.Session
	normalizer *normalizer.Normalizer
	metrics    *prometheus.Registry

	closers []func() error
}

// loadRegistry reads the mapping file configured for cmd
func loadRegistry(cmd *cobra.Command) (*config.Config, *schema.Registry, error) {
	cfg, err := config.Load(configDirFlag)
	if err != nil {
		return nil, nil, errors.New(ui.ConfigError(err.Error(), noColorFlag))
	}
	if mappingFlag != "" {
		cfg.Mapping = mappingFlag
	}

	classes, err := schema.LoadMappingFile(cfg.Mapping)
	if err != nil {
		return nil, nil, err
	}
	registry := schema.NewRegistry()
	for _, class := range classes {
		if err := registry.Register(class); err != nil {
			return nil, nil, err
		}
	}
	if err := registry.ValidateAll(); err != nil {
		return nil, nil, fmt.Errorf("invalid mapping %s: %w", cfg.Mapping, err)
	}
	return cfg, registry, nil
}

// newEnvironment opens the configured database and wires the normalizer
func newEnvironment(cmd *cobra.Command) (*environment, error) {
	cfg, registry, err := loadRegistry(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, errors.New(ui.ConfigError(err.Error(), noColorFlag))
	}
	env := &environment{cfg: cfg, logger: logger, registry: registry, metrics: prometheus.NewRegistry()}
	if err := metrics.Register(env.metrics); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	env.closers = append(env.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	url := cfg.DatabaseURL()
	if url == "" {
		env.Close()
		return nil, errors.New(ui.ConfigError("database.url is not set (or export DATABASE_URL)", noColorFlag))
	}
	sqlBackend, err := store.Open(cfg.Database.Driver, url, logger)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.closers = append(env.closers, sqlBackend.Close)

	var backend store.Backend = sqlBackend
	rows, err := cache.New(cfg.Cache.CacheOptions())
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	if rows != nil {
		env.closers = append(env.closers, rows.Close)
		backend = store.NewCachedBackend(sqlBackend, rows, cfg.Cache.TTL, logger)
	}

	env.session = store.NewSession(registry, backend, store.WithLogger(logger))

	opts := []normalizer.Option{
		normalizer.WithStore(env.session),
		normalizer.WithAuthorizer(auth.NewAuthorizer(auth.RolesFromConfig(cfg.Roles), auth.WithLogger(logger))),
		normalizer.WithLogger(logger),
		normalizer.WithMaxDepth(cfg.Normalizer.MaxDepth),
		normalizer.WithImplicitBreadthFirst(cfg.Normalizer.ImplicitBreadthFirst),
	}
	if groups := cfg.Normalizer.DefaultContext.Groups; len(groups) > 0 {
		opts = append(opts, normalizer.WithDefaultGroups(groups...))
	}

	var entities *relationships.EntityInitializer
	if cfg.Normalizer.EntityBatching {
		entities = relationships.NewEntityInitializer(env.session, logger)
		opts = append(opts, normalizer.WithEntityInitializer(entities))
	}
	if cfg.Normalizer.CollectionBatching {
		opts = append(opts, normalizer.WithCollectionInitializer(
			relationships.NewCollectionInitializer(env.session, entities, logger)))
	}
	if err := relationships.Bind(registry, entities); err != nil {
		env.Close()
		return nil, err
	}

	env.normalizer = normalizer.New(registry, opts...)
	return env, nil
}

// context returns a command context carrying the --role flags
func (e *environment) context(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if len(rolesFlag) > 0 {
		ctx = auth.WithRoles(ctx, rolesFlag...)
	}
	if userFlag != "" {
		ctx = auth.WithUser(ctx, userFlag)
	}
	return ctx
}

// reportMetrics writes the collected metrics to stderr when --metrics is set
func (e *environment) reportMetrics(cmd *cobra.Command) {
	if !metricsFlag {
		return
	}
	if err := metrics.Write(cmd.ErrOrStderr(), e.metrics); err != nil {
		e.logger.Warn("failed to write metrics", zap.Error(err))
	}
}

// class returns the named class, suggesting close names when unknown
func (e *environment) class(name string) (*schema.Class, error) {
	return lookupClass(e.registry, name)
}

func lookupClass(registry *schema.Registry, name string) (*schema.Class, error) {
	class, err := registry.Class(name)
	if err != nil {
		return nil, errors.New(ui.ClassNotFoundError(name, registry.List(), noColorFlag))
	}
	return class, nil
}

// Close releases the database, the cache and the logger in reverse order
func (e *environment) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
