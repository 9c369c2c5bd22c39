package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Both dialects accept the same upsert; only placeholders differ.
type sqlStore struct {
	db   *sql.DB
	bind func(n int) string
}

func (s *sqlStore) save(ctx context.Context, fc *api.FlowContext) error {
	payload, err := Encode(fc)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO flow_contexts (id, trace_id, stream_id, position, status, updated_at, payload)
		VALUES (%s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (id) DO UPDATE SET
			trace_id = excluded.trace_id,
			stream_id = excluded.stream_id,
			position = excluded.position,
			status = excluded.status,
			updated_at = excluded.updated_at,
			payload = excluded.payload`,
		s.bind(1), s.bind(2), s.bind(3), s.bind(4), s.bind(5), s.bind(6), s.bind(7),
	)

	_, err = s.db.ExecContext(ctx, query,
		fc.ID,
		fc.TraceID,
		fc.StreamID,
		fc.Position,
		string(fc.Status),
		fc.UpdatedAt.UnixNano(),
		string(payload),
	)
	return err
}

func (s *sqlStore) delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flow_contexts WHERE id = `+s.bind(1), id)
	return err
}

func (s *sqlStore) findByID(ctx context.Context, id string) (*api.FlowContext, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM flow_contexts WHERE id = `+s.bind(1), id)

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrContextNotFound
		}
		return nil, err
	}
	return Decode(payload)
}

func (s *sqlStore) list(ctx context.Context, filter api.ContextFilter) ([]*api.FlowContext, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, column+" = "+s.bind(len(args)))
	}
	add("stream_id", filter.StreamID)
	add("trace_id", filter.TraceID)
	add("status", string(filter.Status))
	add("position", filter.Position)

	query := `SELECT payload FROM flow_contexts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*api.FlowContext
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		fc, err := Decode(payload)
		if err != nil {
			return nil, err
		}
		result = append(result, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nowIfZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
