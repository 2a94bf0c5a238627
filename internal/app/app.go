// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order mirrors the teacher's internal/app/app.go shape (ordered
// steps, named error wrapping, reverse-order Close) but re-targeted at this
// gateway's five collaborators instead of the teacher's provider-map +
// cache + gateway:
//  1. initInfra    — Redis connection backing the budget/accounting KV store
//  2. initSecrets  — authenticate to the secret store (fatal on failure)
//  3. initServices — metrics registry, optional ClickHouse audit sink
//  4. initPipeline — router, budget manager, accounting manager, pipeline
//  5. initHTTP     — httpapi.Server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/coreason-ai/egress-gateway/internal/accounting"
	"github.com/coreason-ai/egress-gateway/internal/audit"
	"github.com/coreason-ai/egress-gateway/internal/budget"
	"github.com/coreason-ai/egress-gateway/internal/config"
	"github.com/coreason-ai/egress-gateway/internal/httpapi"
	"github.com/coreason-ai/egress-gateway/internal/metrics"
	"github.com/coreason-ai/egress-gateway/internal/pipeline"
	"github.com/coreason-ai/egress-gateway/internal/router"
	"github.com/coreason-ai/egress-gateway/internal/secrets"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	rdb *redis.Client

	secretProv *secrets.Provider
	budgetMgr  *budget.Manager
	acctMgr    *accounting.Manager
	auditSink  *audit.Sink // nil when CLICKHOUSE_DSN is unset

	prom *metrics.Registry

	pipe *pipeline.Pipeline
	http *httpapi.Server
}

// New initializes all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"secrets", a.initSecrets},
		{"services", a.initServices},
		{"pipeline", a.initPipeline},
		{"http", a.initHTTP},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.http.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.http.Shutdown(); err != nil {
			a.log.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.acctMgr != nil {
		a.acctMgr.Close()
		a.acctMgr = nil
	}
	if a.auditSink != nil {
		if err := a.auditSink.Close(); err != nil {
			a.log.Error("audit sink close error", slog.String("error", err.Error()))
		}
		a.auditSink = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379".
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
