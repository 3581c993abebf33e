package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"membership-reconciler/pkg/utils"
)

// PostgresStore persists staging records in the local staging database.
// It assumes the staging_records table from migrations/staging with
// UNIQUE (order_id, line_item_id) named staging_records_order_line_key.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderLineConstraint = "staging_records_order_line_key"

const recordColumns = `
id, order_id, line_item_id, order_created_at,
first_name, last_name, email, phone, date_of_birth,
address_line1, address_line2, city, state, postcode, country,
product_id, product_name, term_months, price_paid,
status, notes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var dob sql.NullTime
	if err := row.Scan(
		&r.ID,
		&r.OrderID,
		&r.LineItemID,
		&r.OrderCreatedAt,
		&r.FirstName,
		&r.LastName,
		&r.Email,
		&r.Phone,
		&dob,
		&r.Address.Line1,
		&r.Address.Line2,
		&r.Address.City,
		&r.Address.State,
		&r.Address.Postcode,
		&r.Address.Country,
		&r.ProductID,
		&r.ProductName,
		&r.TermMonths,
		&r.PricePaid,
		&r.Status,
		&r.Notes,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	if dob.Valid {
		d := dob.Time
		r.DateOfBirth = &d
	}
	return r, nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, recs []Record) error {
	for _, r := range recs {
		if err := validateNew(r); err != nil {
			return err
		}
	}
	if len(recs) == 0 {
		return nil
	}

	const q = `
INSERT INTO staging_records (` + recordColumns + `
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23
)
`
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, r := range recs {
			var dob any
			if r.DateOfBirth != nil {
				dob = *r.DateOfBirth
			}
			if _, err := tx.ExecContext(ctx, q,
				r.ID,
				r.OrderID,
				r.LineItemID,
				r.OrderCreatedAt,
				r.FirstName,
				r.LastName,
				r.Email,
				r.Phone,
				dob,
				r.Address.Line1,
				r.Address.Line2,
				r.Address.City,
				r.Address.State,
				r.Address.Postcode,
				r.Address.Country,
				r.ProductID,
				r.ProductName,
				r.TermMonths,
				r.PricePaid,
				r.Status,
				r.Notes,
				r.CreatedAt,
				r.UpdatedAt,
			); err != nil {
				return fmt.Errorf("insert line item %s: %w", r.LineItemID, err)
			}
		}
		return nil
	})
	if utils.IsUniqueViolation(err, orderLineConstraint) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	q := `SELECT ` + recordColumns + ` FROM staging_records WHERE id = $1`
	r, err := scanRecord(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]Record, error) {
	f = f.normalized()
	q := `
SELECT ` + recordColumns + `
FROM staging_records
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, q, string(f.Status), f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, f.Limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Resolve(ctx context.Context, id string, to Status, at time.Time, commit CommitFunc) (Record, error) {
	if err := validateTarget(to); err != nil {
		return Record{}, err
	}

	var out Record
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Row lock serializes concurrent reviewers of the same record for the
		// duration of the registry round trip.
		q := `SELECT ` + recordColumns + ` FROM staging_records WHERE id = $1 FOR UPDATE`
		rec, err := scanRecord(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if rec.Status != StatusPending {
			return ErrNotPending
		}

		if commit != nil {
			if err := commit(ctx, rec); err != nil {
				return err
			}
		}

		const upd = `
UPDATE staging_records
SET status = $2, updated_at = $3
WHERE id = $1 AND status = 'pending'
`
		res, err := tx.ExecContext(ctx, upd, id, to, at)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrNotPending
		}

		rec.Status = to
		rec.UpdatedAt = at
		out = rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}
