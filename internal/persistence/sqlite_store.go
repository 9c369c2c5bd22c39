package persistence

import (
	"context"
	"database/sql"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// SQLiteStore is a ContextRepository backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	sqlStore
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlStore{db: db, bind: func(int) string { return "?" }}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flow_contexts (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			position TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS flow_contexts_trace ON flow_contexts (trace_id);
		CREATE INDEX IF NOT EXISTS flow_contexts_status ON flow_contexts (status);`,
	)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, fc *api.FlowContext) error {
	fc.UpdatedAt = nowIfZero(fc.UpdatedAt)
	return s.save(ctx, fc)
}

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*api.FlowContext, error) {
	return s.findByID(ctx, id)
}

func (s *SQLiteStore) FindByTrace(ctx context.Context, traceID string) ([]*api.FlowContext, error) {
	return s.list(ctx, api.ContextFilter{TraceID: traceID})
}

func (s *SQLiteStore) List(ctx context.Context, filter api.ContextFilter) ([]*api.FlowContext, error) {
	return s.list(ctx, filter)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return s.delete(ctx, id)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
