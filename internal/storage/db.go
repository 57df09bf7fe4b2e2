// Package storage defines the narrow database seam every event-fabric
// component depends on instead of the concrete *pgxpool.Pool, mirroring the
// services/repository split already used between internal/services and
// internal/repository. Production code is wired with a *pgxpool.Pool
// (which satisfies DB structurally), tests use a hand-rolled fake, and no
// package in the fabric imports pgxpool directly except here and in
// internal/repository.
package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool every fabric component needs: plain
// queries, execs, and transactions. Row-level locking (SELECT ... FOR
// UPDATE) happens inside a Tx started via Begin.
type DB interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}
