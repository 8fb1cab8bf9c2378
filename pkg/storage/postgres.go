package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uhyunpark/orderflow/pkg/order"
)

const schemaOrders = `create table if not exists orders (
	order_id   text primary key,
	status     text not null,
	meta       jsonb not null default '{}'::jsonb,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
)`

// PostgresStore is the shared OrderStore used when several processes run
// the pipeline against one database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and makes sure the orders table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaOrders); err != nil {
		return fmt.Errorf("create orders table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) Upsert(ctx context.Context, orderID string, status order.Status, meta any) error {
	raw, err := encodeMeta(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.pool.Exec(ctx, `insert into orders (order_id, status, meta)
		values ($1, $2, $3)
		on conflict (order_id) do update set
			status = excluded.status,
			meta = excluded.meta,
			updated_at = now()`, orderID, string(status), []byte(raw))
	return err
}

func (s *PostgresStore) Get(ctx context.Context, orderID string) (Record, error) {
	var rec Record
	var status string
	var meta []byte
	err := s.pool.QueryRow(ctx, "select order_id, status, meta, created_at, updated_at from orders where order_id = $1", orderID).
		Scan(&rec.OrderID, &status, &meta, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Status = order.Status(status)
	rec.Meta = meta
	return rec, nil
}

var _ OrderStore = (*PostgresStore)(nil)
