// Package postgres persists accounts, storage objects, and leaderboard
// records in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/matchrelay/internal/config"
	"github.com/cory-johannsen/matchrelay/internal/server"
)

// applicationName tags matchrelay connections in pg_stat_activity.
const applicationName = "matchrelay"

// Pool wraps a pgx connection pool and tracks whether the last health check passed.
type Pool struct {
	pool    *pgxpool.Pool
	logger  *zap.Logger
	healthy atomic.Bool
}

// NewPool connects to the database described by cfg.
//
// Precondition: cfg must contain valid database connection parameters; logger must be non-nil.
// Postcondition: Returns a pinged, healthy Pool or a non-nil error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName

	start := time.Now()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging %s on %s:%d: %w", cfg.Name, cfg.Host, cfg.Port, err)
	}

	p := &Pool{pool: pool, logger: logger}
	p.healthy.Store(true)
	logger.Info("database connected",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Duration("elapsed", time.Since(start)),
	)
	return p, nil
}

// Health pings the database within timeout and records the outcome.
// A change in health is logged.
//
// Precondition: The pool must not be closed.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := p.pool.Ping(ctx)
	was := p.healthy.Swap(err == nil)
	switch {
	case err != nil && was:
		p.logger.Warn("database health check failed", zap.Error(err))
	case err == nil && !was:
		p.logger.Info("database health restored")
	}
	return err
}

// Healthy reports the result of the most recent health check.
func (p *Pool) Healthy() bool {
	return p.healthy.Load()
}

// Monitor returns a lifecycle service that checks health every interval and
// closes the pool when stopped.
func (p *Pool) Monitor(interval, timeout time.Duration) server.Service {
	done := make(chan struct{})
	return &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return nil
				case <-ticker.C:
					_ = p.Health(context.Background(), timeout)
				}
			}
		},
		StopFn: func() {
			close(done)
			p.Close()
		},
	}
}

// Close releases all pool resources.
//
// Postcondition: The pool is no longer usable after calling Close.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB returns the underlying pgxpool.Pool for use by repositories.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
