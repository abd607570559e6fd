// File: cmd/provider.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scangraph/api/schemas"
	"github.com/xkilldash9x/scangraph/internal/archive"
	"github.com/xkilldash9x/scangraph/internal/config"
	"github.com/xkilldash9x/scangraph/internal/knowledgegraph"
	"github.com/xkilldash9x/scangraph/internal/orchestrator"
	"github.com/xkilldash9x/scangraph/internal/store"
	"github.com/xkilldash9x/scangraph/internal/veracode"
)

// componentProvider builds the external collaborators of a command. Tests
// inject fakes instead of live databases and APIs.
type componentProvider interface {
	// Store returns the configured graph backend and a cleanup function.
	Store(ctx context.Context, cfg config.Interface, logger *zap.Logger) (schemas.GraphStore, func(), error)
	// Source returns the configured finding source.
	Source(cfg config.Interface, logger *zap.Logger) (schemas.FindingSource, error)
	// Archiver returns nil when archiving is disabled.
	Archiver(ctx context.Context, cfg config.Interface, logger *zap.Logger) (orchestrator.Archiver, error)
}

// schemaMigrator is implemented by backends with a persistent schema.
type schemaMigrator interface {
	EnsureSchema(ctx context.Context) error
}

type defaultProvider struct{}

func newDefaultProvider() componentProvider {
	return &defaultProvider{}
}

// Store connects to PostgreSQL, or creates an in-memory graph.
func (p *defaultProvider) Store(ctx context.Context, cfg config.Interface, logger *zap.Logger) (schemas.GraphStore, func(), error) {
	dbCfg := cfg.Database()
	if dbCfg.Backend == config.BackendMemory {
		kg, err := knowledgegraph.NewInMemoryKG(logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("Using the in-memory graph backend; nothing will outlive this process.")
		return kg, func() {}, nil
	}

	if dbCfg.URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (SCANGRAPH_DATABASE_URL)")
	}
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if dbCfg.MaxConns > 0 {
		poolCfg.MaxConns = dbCfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	graphStore, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}
	if dbCfg.AutoMigrate {
		if err := graphStore.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return graphStore, cleanup, nil
}

// Source returns a snapshot file source when one is configured, or a signed
// API client otherwise.
func (p *defaultProvider) Source(cfg config.Interface, logger *zap.Logger) (schemas.FindingSource, error) {
	vc := cfg.Veracode()
	if vc.SnapshotFile != "" {
		return veracode.NewFileSource(vc.SnapshotFile)
	}

	transport, err := veracode.NewHMACTransport(vc.APIID, vc.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w (set VERACODE_API_KEY_ID and VERACODE_API_KEY_SECRET)", err)
	}
	return veracode.NewClient(veracode.Config{
		BaseURL:     vc.BaseURL,
		RateLimit:   vc.RateLimit,
		Timeout:     vc.Timeout,
		MaxRetries:  vc.MaxRetries,
		RetryDelay:  vc.RetryDelay,
		PageSize:    vc.PageSize,
		Concurrency: vc.Concurrency,
	}, transport, logger)
}

// Archiver connects to object storage and makes sure the bucket exists.
func (p *defaultProvider) Archiver(ctx context.Context, cfg config.Interface, logger *zap.Logger) (orchestrator.Archiver, error) {
	ac := cfg.Archive()
	if !ac.Enabled {
		return nil, nil
	}
	mc, err := archive.NewMinioStore(ac.Endpoint, ac.AccessKey, ac.SecretKey, ac.UseSSL)
	if err != nil {
		return nil, err
	}
	a, err := archive.New(mc, ac.Bucket, logger)
	if err != nil {
		return nil, err
	}
	if err := a.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}
