package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// transientCodes are the Postgres SQLSTATE classes worth retrying: deadlocks
// and serialization failures under concurrent writers, and connection-class
// failures caused by a restarting backend.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// Handle is Component C1: a single DB connection (acquired from a shared
// pool) with retrying bulk-statement execution. Each Writer owns exactly one
// Handle so that no two writers contend over the same backend connection.
type Handle struct {
	pool   *pgxpool.Pool
	conn   *pgxpool.Conn
	logger *zap.Logger
}

// Connect acquires a dedicated connection from pool for this Handle's
// exclusive use until Disconnect is called.
func Connect(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*Handle, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	return &Handle{pool: pool, conn: conn, logger: logger}, nil
}

// Connector adapts a pool and logger into the minimal factory a writer pool
// needs to provision a fresh Handle per writer it spins up.
type Connector struct {
	Pool   *pgxpool.Pool
	Logger *zap.Logger
}

func (c Connector) Connect(ctx context.Context) (*Handle, error) {
	return Connect(ctx, c.Pool, c.Logger)
}

// Disconnect releases the Handle's connection back to the pool.
func (h *Handle) Disconnect() {
	if h.conn != nil {
		h.conn.Release()
		h.conn = nil
	}
}

// Update executes sql and, on a transient failure, retries up to retries
// times with exponential backoff. On final failure it logs and returns the
// error — the caller drops the batch; the bus will re-deliver it and the
// schema absorbs the duplicate via upsert.
func (h *Handle) Update(ctx context.Context, sql string, args []any, retries int) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Min(float64(100*time.Millisecond)*math.Pow(2, float64(attempt-1)), float64(5*time.Second)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, err := h.conn.Exec(ctx, sql, args...)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) {
			h.logger.Error("db update failed with permanent error, dropping batch",
				zap.Error(err),
			)
			return fmt.Errorf("update (permanent): %w", err)
		}

		h.logger.Warn("db update failed with transient error, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("retries", retries),
			zap.Error(err),
		)
	}

	h.logger.Error("db update exhausted retries, dropping batch", zap.Error(lastErr))
	return fmt.Errorf("update (retries exhausted): %w", lastErr)
}

// Select runs a query and returns its rows. Used by the Router Cache (C5) to
// rebuild its mirror of the routers table.
func (h *Handle) Select(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return h.conn.Query(ctx, sql, args...)
}

// Statement is one queued member of a Batch call.
type Statement struct {
	SQL  string
	Args []any
}

// Batch sends every statement in one round trip via pgx's pipelined batch
// protocol, retrying the whole batch on a transient failure the same way
// Update does. A merged writer flush executes as one Batch rather than N
// sequential Updates, cutting round trips to the backend connection to one
// per flush instead of one per merged row.
func (h *Handle) Batch(ctx context.Context, stmts []Statement, retries int) error {
	if len(stmts) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Min(float64(100*time.Millisecond)*math.Pow(2, float64(attempt-1)), float64(5*time.Second)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		batch := &pgx.Batch{}
		for _, s := range stmts {
			batch.Queue(s.SQL, s.Args...)
		}

		br := h.conn.SendBatch(ctx, batch)
		err := execBatchResults(br, len(stmts))
		closeErr := br.Close()
		if err == nil {
			err = closeErr
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if !isTransient(err) {
			h.logger.Error("db batch failed with permanent error, dropping batch", zap.Error(err))
			return fmt.Errorf("batch (permanent): %w", err)
		}

		h.logger.Warn("db batch failed with transient error, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("retries", retries),
			zap.Error(err),
		)
	}

	h.logger.Error("db batch exhausted retries, dropping batch", zap.Error(lastErr))
	return fmt.Errorf("batch (retries exhausted): %w", lastErr)
}

func execBatchResults(br pgx.BatchResults, n int) error {
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCodes[pgErr.Code]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
