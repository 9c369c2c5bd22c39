package persistence

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// PostgresStore is a ContextRepository backed by PostgreSQL.
//
// It expects an *sql.DB that uses the pgx driver. The caller is responsible
// for importing the driver for its side effects:
//
//	_ "github.com/jackc/pgx/v5/stdlib"
type PostgresStore struct {
	sqlStore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{sqlStore{db: db, bind: func(n int) string { return "$" + strconv.Itoa(n) }}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flow_contexts (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			position TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS flow_contexts_trace ON flow_contexts (trace_id)`,
		`CREATE INDEX IF NOT EXISTS flow_contexts_status ON flow_contexts (status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, fc *api.FlowContext) error {
	fc.UpdatedAt = nowIfZero(fc.UpdatedAt)
	return s.save(ctx, fc)
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*api.FlowContext, error) {
	return s.findByID(ctx, id)
}

func (s *PostgresStore) FindByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	return s.list(ctx, api.ContextFilter{TraceID: traceID})
}

func (s *PostgresStore) List(ctx context.Context, filter api.ContextFilter) ([]*api.FlowContext, error) {
	return s.list(ctx, filter)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	return s.delete(ctx, id)
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
