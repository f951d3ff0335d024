package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const databaseBreakerName = "postgresql"

// DatabaseWrapper guards the statements issued by the audit store.
type DatabaseWrapper struct {
	db      *sqlx.DB
	cb      *CircuitBreaker
	service string
}

// NewDatabaseWrapper wraps db with a breaker configured from CB_DB_*.
func NewDatabaseWrapper(db *sqlx.DB, service string, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker(databaseBreakerName, GetDatabaseConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(databaseBreakerName, service, cb)
	return &DatabaseWrapper{db: db, cb: cb, service: service}
}

func (dw *DatabaseWrapper) guard(ctx context.Context, fn func() error) error {
	err := dw.cb.Execute(ctx, fn)
	GlobalMetricsCollector.RecordRequest(databaseBreakerName, dw.service, dw.cb.State(), err == nil)
	return err
}

// PingContext checks connectivity.
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.guard(ctx, func() error { return dw.db.PingContext(ctx) })
}

// ExecContext runs a statement.
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := dw.guard(ctx, func() error {
		var err error
		res, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// NamedExecContext runs a statement with named parameters bound from arg.
func (dw *DatabaseWrapper) NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error) {
	var res sql.Result
	err := dw.guard(ctx, func() error {
		var err error
		res, err = dw.db.NamedExecContext(ctx, query, arg)
		return err
	})
	return res, err
}

// SelectContext scans all rows into dest.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	return dw.guard(ctx, func() error { return dw.db.SelectContext(ctx, dest, query, args...) })
}

// DB returns the wrapped handle for migrations.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

// Close closes the connection pool.
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }

// IsCircuitBreakerOpen reports whether statements are being rejected.
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool { return dw.cb.State() == StateOpen }
