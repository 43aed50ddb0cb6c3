package changelog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/todo-1m/replicasync/internal/contracts"
)

const createChangesTableSQL = `
CREATE TABLE IF NOT EXISTS store_changes (
  notification_id text PRIMARY KEY,
  stream_seq bigint NOT NULL,
  collection text NOT NULL,
  action text NOT NULL,
  record_id text NOT NULL,
  user_id text NOT NULL,
  record jsonb NOT NULL,
  received_at timestamptz NOT NULL DEFAULT now()
)`

const createChangesOwnerIndexSQL = `
CREATE INDEX IF NOT EXISTS store_changes_owner_idx
ON store_changes (user_id, collection, stream_seq DESC)`

const insertChangeSQL = `
INSERT INTO store_changes (
  notification_id, stream_seq, collection, action, record_id, user_id, record, received_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (notification_id) DO NOTHING
`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createChangesTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createChangesOwnerIndexSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) InsertChange(ctx context.Context, c Change) error {
	_, err := r.Pool.Exec(ctx, insertChangeSQL,
		c.NotificationID,
		int64(c.Seq),
		c.Collection,
		string(c.Action),
		c.RecordID,
		c.UserID,
		string(c.Record),
		c.ReceivedAt,
	)
	return err
}

func (r *PostgresRepository) ListChanges(ctx context.Context, q Query) ([]Change, error) {
	sql, args := listChangesSQL(q)
	rows, err := r.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Change, 0, q.Limit)
	for rows.Next() {
		var (
			c      Change
			seq    int64
			action string
			record []byte
		)
		if err := rows.Scan(
			&c.NotificationID,
			&seq,
			&c.Collection,
			&action,
			&c.RecordID,
			&c.UserID,
			&record,
			&c.ReceivedAt,
		); err != nil {
			return nil, err
		}
		c.Seq = uint64(seq)
		c.Action = contracts.Action(action)
		c.Record = record
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// listChangesSQL builds the history query; only non-empty filters become
// conditions.
func listChangesSQL(q Query) (string, []any) {
	args := []any{q.UserID}
	where := []string{"user_id = $1"}
	if q.Collection != "" {
		args = append(args, q.Collection)
		where = append(where, fmt.Sprintf("collection = $%d", len(args)))
	}
	if q.RecordID != "" {
		args = append(args, q.RecordID)
		where = append(where, fmt.Sprintf("record_id = $%d", len(args)))
	}
	args = append(args, q.Limit)
	sql := `SELECT notification_id, stream_seq, collection, action, record_id, user_id, record, received_at
		 FROM store_changes
		 WHERE ` + strings.Join(where, " AND ") + `
		 ORDER BY stream_seq DESC, received_at DESC
		 LIMIT $` + fmt.Sprint(len(args))
	return sql, args
}
