package notify

import (
	"context"
	"encoding/json"

	"KelmahIM/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS notification_records (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	type       TEXT NOT NULL,
	payload    JSONB NOT NULL,
	channels   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS notification_records_user_created
	ON notification_records (user_id, created_at DESC);
`

// pgDB is the subset of *pgxpool.Pool the store needs.
type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgRecords stores notification records in Postgres, channels as JSONB.
type PgRecords struct {
	db pgDB
}

func NewPgRecords(pool *pgxpool.Pool) *PgRecords { return &PgRecords{db: pool} }

func (s *PgRecords) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, pgSchema)
	return errs.WrapMsg(err, "create notification_records")
}

// Save upserts so a retried save of the same record is harmless.
func (s *PgRecords) Save(ctx context.Context, r *Record) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return errs.WrapMsg(err, "encode payload")
	}
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return errs.WrapMsg(err, "encode channels")
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO notification_records (id, user_id, type, payload, channels, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET channels = EXCLUDED.channels`,
		r.ID, r.UserID, r.Type, payload, channels, r.CreatedAt)
	return errs.WrapMsg(err, "insert notification record", "id", r.ID)
}

func (s *PgRecords) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
SELECT id, user_id, type, payload, channels, created_at
FROM notification_records WHERE user_id = $1
ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, errs.WrapMsg(err, "query notification records")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			r                 Record
			payload, channels []byte
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Type, &payload, &channels, &r.CreatedAt); err != nil {
			return nil, errs.WrapMsg(err, "scan notification record")
		}
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, errs.WrapMsg(err, "decode payload", "id", r.ID)
		}
		if err := json.Unmarshal(channels, &r.Channels); err != nil {
			return nil, errs.WrapMsg(err, "decode channels", "id", r.ID)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, &r)
	}
	return out, errs.Wrap(rows.Err())
}
