package realtime

import (
	"context"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Persistence hydrates a doc on first bind and flushes it when the last
// interested party departs. Awareness state never goes through here.
type Persistence interface {
	BindState(ctx context.Context, name string, doc *SharedDoc) error
	WriteState(ctx context.Context, name string, doc *SharedDoc) error
	Close()
}

// PgPersistence stores one encoded state blob per doc name.
type PgPersistence struct {
	pool *pgxpool.Pool
}

func NewPgPersistence(ctx context.Context, databaseUrl string) (*PgPersistence, error) {
	pool, err := pgxpool.New(ctx, databaseUrl)
	if err != nil {
		return nil, err
	}

	_, err = pool.Exec(
		ctx,
		`CREATE TABLE IF NOT EXISTS doc_states (
			name text PRIMARY KEY,
			state bytea NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
	)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PgPersistence{
		pool: pool,
	}, nil
}

func (self *PgPersistence) BindState(ctx context.Context, name string, doc *SharedDoc) error {
	var state []byte
	err := self.pool.QueryRow(
		ctx,
		`SELECT state FROM doc_states WHERE name = $1`,
		name,
	).Scan(&state)
	if err == pgx.ErrNoRows {
		// first touch ever, nothing to hydrate
		return nil
	}
	if err != nil {
		return err
	}

	glog.V(1).Infof("[persist]%s hydrated %d bytes\n", name, len(state))
	return doc.ApplyUpdate(state, self)
}

func (self *PgPersistence) WriteState(ctx context.Context, name string, doc *SharedDoc) error {
	state := doc.EncodeStateAsUpdate()
	_, err := self.pool.Exec(
		ctx,
		`INSERT INTO doc_states (name, state, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (name) DO UPDATE SET state = $2, updated_at = now()`,
		name,
		state,
	)
	if err == nil {
		glog.V(1).Infof("[persist]%s wrote %d bytes\n", name, len(state))
	}
	return err
}

func (self *PgPersistence) Close() {
	self.pool.Close()
}
