package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"geovisio/internal/models"
)

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
}

// querier is the query surface shared by pgxpool.Pool and pgx.Tx, so the
// same statements can run standalone or inside a claim transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func NewStorage(dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

// DefaultAccountID returns the account used for unauthenticated uploads.
func (s *Storage) DefaultAccountID(ctx context.Context) (uuid.UUID, error) {
	const op = "storage.DefaultAccountID"

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM accounts WHERE is_default`).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return uuid.Nil, models.ErrNoDefaultAccount
		}
		return uuid.Nil, fmt.Errorf("%s: %v", op, err)
	}
	return id, nil
}
