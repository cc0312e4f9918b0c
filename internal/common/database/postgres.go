// internal/common/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"application-lifecycle/internal/common/config"

	"github.com/lib/pq"
)

// Postgres error classes the lifecycle store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// PostgresClient owns the connection pool for the lifecycle schema.
type PostgresClient struct {
	DB *sql.DB
}

func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresClient{DB: db}, nil
}

func (c *PostgresClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.DB.PingContext(ctx)
}

func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}

func pqCode(err error) (string, string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint
	}
	return "", ""
}

// IsUniqueViolation reports whether err is a unique_violation.
func IsUniqueViolation(err error) bool {
	code, _ := pqCode(err)
	return code == codeUniqueViolation
}

// UniqueConstraint returns the violated constraint name, or "".
func UniqueConstraint(err error) string {
	if code, constraint := pqCode(err); code == codeUniqueViolation {
		return constraint
	}
	return ""
}

// IsTransactionConflict reports whether Postgres aborted the transaction
// because of a concurrent one. Rerunning it may succeed.
func IsTransactionConflict(err error) bool {
	code, _ := pqCode(err)
	return code == codeSerializationFailure || code == codeDeadlockDetected
}
