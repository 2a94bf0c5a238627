package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coreason-ai/egress-gateway/internal/accounting"
	"github.com/coreason-ai/egress-gateway/internal/audit"
	"github.com/coreason-ai/egress-gateway/internal/budget"
	"github.com/coreason-ai/egress-gateway/internal/httpapi"
	"github.com/coreason-ai/egress-gateway/internal/metrics"
	"github.com/coreason-ai/egress-gateway/internal/pipeline"
	"github.com/coreason-ai/egress-gateway/internal/retry"
	"github.com/coreason-ai/egress-gateway/internal/router"
	"github.com/coreason-ai/egress-gateway/internal/secrets"
)

// initInfra connects to Redis, the KV store backing budget admission and
// accounting. Required unconditionally — there is no in-memory fallback,
// unlike the teacher's optional cache mode, since budget state must be
// shared across every gateway replica.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.KVURL)))

	rdb, err := connectRedis(ctx, a.cfg.KVURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initSecrets authenticates to the secret store. A failure here is fatal
// per the gateway's exit-code contract (spec.md §6) — the process must
// never serve traffic without a working credential path.
func (a *App) initSecrets(ctx context.Context) error {
	a.secretProv = secrets.New(a.cfg.SecretStore.Addr, a.cfg.SecretStore.RoleID, a.cfg.SecretStore.SecretID)
	if err := a.secretProv.Authenticate(ctx); err != nil {
		return fmt.Errorf("secret store authentication: %w", err)
	}
	a.log.Info("secret store authenticated")
	return nil
}

// initServices creates the metrics registry and, when configured, the
// ClickHouse audit sink.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.ClickHouseDSN == "" {
		a.log.Info("audit sink disabled (CLICKHOUSE_DSN unset)")
		return nil
	}

	sink, err := audit.Open(ctx, a.cfg.ClickHouseDSN, a.log)
	if err != nil {
		return fmt.Errorf("audit sink: %w", err)
	}
	a.auditSink = sink
	a.log.Info("audit sink connected")

	return nil
}

// initPipeline wires the router, budget manager, accounting manager, and
// pipeline together.
func (a *App) initPipeline(_ context.Context) error {
	a.budgetMgr = budget.New(a.rdb)
	a.acctMgr = accounting.New(a.budgetMgr, a.log, a.cfg.Accounting.Workers, a.cfg.Accounting.QueueSize)

	retryPolicy := retry.DefaultPolicy()
	retryPolicy.MaxAttempts = a.cfg.RetryMaxAttempts

	a.pipe = &pipeline.Pipeline{
		GatewayToken:    a.cfg.GatewayToken,
		ProviderTimeout: a.cfg.ProviderTimeout,
		RetryPolicy:     retryPolicy,
		Router:          router.Default(),
		Budget:          a.budgetMgr,
		Secrets:         a.secretProv,
		Accounting:      a.acctMgr,
		Audit:           a.auditSink,
		Metrics:         a.prom,
		Log:             a.log,
	}

	return nil
}

// initHTTP builds the httpapi.Server around the pipeline.
func (a *App) initHTTP(_ context.Context) error {
	a.http = &httpapi.Server{
		Pipeline:    a.pipe,
		Metrics:     a.prom,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	}
	return nil
}
