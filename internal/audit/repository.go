package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to audit_entries. It has no update or delete path.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Entry) (Entry, error) {
	const q = `
INSERT INTO audit_entries (staging_id, action, actor, diff, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id
`
	var diff any
	if len(e.Diff) > 0 {
		diff = []byte(e.Diff)
	}
	if err := r.db.QueryRowContext(ctx, q, e.StagingID, e.Action, e.Actor, diff, e.CreatedAt).Scan(&e.ID); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (r *PostgresRepo) ListByStaging(ctx context.Context, stagingID string) ([]Entry, error) {
	const q = `
SELECT id, staging_id, action, actor, diff, created_at
FROM audit_entries
WHERE staging_id = $1
ORDER BY id ASC
`
	rows, err := r.db.QueryContext(ctx, q, stagingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var diff []byte
		if err := rows.Scan(&e.ID, &e.StagingID, &e.Action, &e.Actor, &diff, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(diff) > 0 {
			e.Diff = diff
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
