package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mzlad1/mirabeauty-sub001/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int32
}

var poolGauges = []poolGauge{
	{"storefront.db.pool.connections.total", "Total connections (idle + acquired + constructing)", (*pgxpool.Stat).TotalConns},
	{"storefront.db.pool.connections.idle", "Idle connections ready for checkout", (*pgxpool.Stat).IdleConns},
	{"storefront.db.pool.connections.acquired", "Connections currently acquired by callers", (*pgxpool.Stat).AcquiredConns},
}

// ObservePoolMetrics registers observable gauges reporting pgx pool health.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", name),
	)

	meter := otel.Meter("postgres.pool")
	for _, gauge := range poolGauges {
		read := gauge.read
		if _, err := meter.Int64ObservableGauge(gauge.name,
			metric.WithDescription(gauge.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(read(pool.Stat())), attrs)
				return nil
			}),
		); err != nil {
			return
		}
	}
}
