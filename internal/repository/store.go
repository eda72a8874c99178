package repository

import (
	"context"

	"github.com/rpattn/chronicle/internal/db"

	"github.com/jackc/pgx/v5"
)

type pgStore struct {
	conn *db.Connection
	exec db.DBTX
	inTx bool
}

// NewStore creates a Store over the connection pool.
func NewStore(conn *db.Connection) Store {
	return &pgStore{conn: conn, exec: conn.Pool}
}

func (s *pgStore) Entities() EntityRepository  { return NewEntityRepository(s.exec) }
func (s *pgStore) Versions() VersionRepository { return NewVersionRepository(s.exec) }
func (s *pgStore) Editors() EditorRepository   { return NewEditorRepository(s.exec) }

func (s *pgStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgStore{conn: s.conn, exec: tx, inTx: true})
	})
}
