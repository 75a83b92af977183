package main

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twmb/franz-go/pkg/kgo"

	"medguard/internal/directory"
	dirpostgres "medguard/internal/directory/postgres"
	"medguard/internal/platform/config"
	"medguard/internal/platform/kafka"
	"medguard/internal/platform/postgres"
	redisclient "medguard/internal/platform/redis"
	"medguard/internal/records"
	transport "medguard/internal/transport/http"
	"medguard/pkg/platform/audit"
	auditmemory "medguard/pkg/platform/audit/store/memory"
	auditpostgres "medguard/pkg/platform/audit/store/postgres"
)

// infra holds the backing services. Every optional one is nil when it is not
// configured and the in-memory fallback is used instead.
type infra struct {
	auditStore audit.Store
	catalog    records.Catalog

	auditDB *sql.DB
	pool    *pgxpool.Pool
	redis   *redisclient.Client
	kafka   *kgo.Client
}

func openInfra(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *infra, err error) {
	in := &infra{}
	defer func() {
		if err != nil {
			in.close(log)
		}
	}()

	if cfg.Postgres.DSN == "" {
		log.Warn("DATABASE_URL not set; audit trail and records are kept in memory")
		in.auditStore = auditmemory.NewInMemoryStore()
		in.catalog = directory.NewMemory()
	} else {
		if in.auditDB, err = postgres.OpenDB(ctx, cfg.Postgres); err != nil {
			return nil, err
		}
		store := auditpostgres.New(in.auditDB)
		if err = store.Migrate(ctx); err != nil {
			return nil, err
		}
		in.auditStore = store

		if in.pool, err = postgres.NewPool(ctx, cfg.Postgres); err != nil {
			return nil, err
		}
		dir := dirpostgres.New(in.pool)
		if err = dir.Migrate(ctx); err != nil {
			return nil, err
		}
		in.catalog = dir
	}

	if in.redis, err = redisclient.New(ctx, cfg.Redis); err != nil {
		return nil, err
	}

	if in.kafka, err = kafka.New(ctx, cfg.Kafka); err != nil {
		return nil, err
	}
	if in.kafka != nil {
		if err = kafka.EnsureTopic(ctx, in.kafka, cfg.Kafka.Topic); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// health reports one check per configured backing service.
func (in *infra) health() map[string]transport.HealthCheck {
	checks := map[string]transport.HealthCheck{}
	if in.auditDB != nil {
		checks["audit_store"] = in.auditDB.PingContext
	}
	if in.pool != nil {
		checks["directory"] = in.pool.Ping
	}
	if in.redis != nil {
		checks["redis"] = in.redis.Health
	}
	if in.kafka != nil {
		checks["kafka"] = in.kafka.Ping
	}
	return checks
}

// close flushes pending security events and releases every connection.
func (in *infra) close(log *slog.Logger) {
	if in.kafka != nil {
		if err := in.kafka.Flush(context.Background()); err != nil {
			log.Warn("kafka flush failed", "error", err)
		}
		in.kafka.Close()
	}
	if in.redis != nil {
		if err := in.redis.Close(); err != nil {
			log.Warn("redis close failed", "error", err)
		}
	}
	if in.pool != nil {
		in.pool.Close()
	}
	if in.auditDB != nil {
		if err := in.auditDB.Close(); err != nil {
			log.Warn("postgres close failed", "error", err)
		}
	}
}
