package registry

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"membership-reconciler/internal/renewal"
	"membership-reconciler/pkg/utils"
)

// Postgres talks to the registry database directly.
//
// Expected tables (see migrations/registry):
//   - customers(id BIGSERIAL, first_name, last_name, email, phone, mobile, date_of_birth DATE, created_at)
//   - membership_cards(id BIGSERIAL, customer_id, card_no UNIQUE, start_date DATE, expiry_at, revoked, created_at)
type Postgres struct {
	db   *sql.DB
	opts Options
}

func NewPostgres(db *sql.DB, opts Options) *Postgres {
	return &Postgres{db: db, opts: opts.withDefaults()}
}

const candidatesQuery = `
SELECT
  c.id, c.first_name, c.last_name,
  COALESCE(c.email, ''), COALESCE(c.phone, ''), COALESCE(c.mobile, ''),
  c.date_of_birth, c.created_at,
  k.id, k.card_no, k.start_date, k.expiry_at, k.revoked, k.created_at
FROM customers c
LEFT JOIN LATERAL (
  SELECT m.id, m.card_no, m.start_date, m.expiry_at, m.revoked, m.created_at
  FROM membership_cards m
  WHERE m.customer_id = c.id
  ORDER BY m.expiry_at DESC, m.created_at DESC
  LIMIT 1
) k ON TRUE
WHERE ($1 <> '' AND LOWER(TRIM(c.email)) = $1)
   OR ($2 <> '' AND (
        REPLACE(REPLACE(REPLACE(c.phone, '+', ''), ' ', ''), '-', '') = $2 OR
        REPLACE(REPLACE(REPLACE(c.mobile, '+', ''), ' ', ''), '-', '') = $2))
   OR ($3::date IS NOT NULL AND c.date_of_birth = $3::date)
   OR ($4 <> '' AND $5 <> '' AND LOWER(TRIM(c.first_name)) = $4 AND LOWER(TRIM(c.last_name)) = $5)
ORDER BY ($1 <> '' AND LOWER(TRIM(c.email)) = $1) DESC, c.id ASC
LIMIT $6
`

func (p *Postgres) FindCandidates(ctx context.Context, q CandidateQuery, limit int) ([]Customer, error) {
	if q.Empty() || limit <= 0 {
		return nil, nil
	}

	var dobParam any
	if q.DateOfBirth != nil {
		dobParam = q.DateOfBirth.Format(time.DateOnly)
	}
	rows, err := p.db.QueryContext(ctx, candidatesQuery,
		q.Email,
		q.Phone,
		dobParam,
		normalizeName(q.FirstName),
		normalizeName(q.LastName),
		limit,
	)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []Customer
	for rows.Next() {
		var (
			c        Customer
			dob      sql.NullTime
			cardID   sql.NullInt64
			cardNo   sql.NullString
			start    sql.NullTime
			expiry   sql.NullTime
			revoked  sql.NullBool
			cardTime sql.NullTime
		)
		if err := rows.Scan(
			&c.ID, &c.FirstName, &c.LastName,
			&c.Email, &c.Phone, &c.Mobile,
			&dob, &c.CreatedAt,
			&cardID, &cardNo, &start, &expiry, &revoked, &cardTime,
		); err != nil {
			return nil, unavailable(err)
		}
		if dob.Valid {
			d := dob.Time
			c.DateOfBirth = &d
		}
		if cardID.Valid {
			c.Card = &Card{
				ID:         cardID.Int64,
				CustomerID: c.ID,
				CardNo:     cardNo.String,
				StartDate:  start.Time,
				ExpiresAt:  expiry.Time,
				Revoked:    revoked.Bool,
				CreatedAt:  cardTime.Time,
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

func (p *Postgres) CreateCustomer(ctx context.Context, nc NewCustomer) (int64, error) {
	const q = `
INSERT INTO customers (first_name, last_name, email, phone, mobile, date_of_birth, created_at)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)
RETURNING id
`
	var dob any
	if nc.DateOfBirth != nil {
		dob = nc.DateOfBirth.Format(time.DateOnly)
	}
	var id int64
	err := p.db.QueryRowContext(ctx, q,
		strings.TrimSpace(nc.FirstName),
		strings.TrimSpace(nc.LastName),
		strings.TrimSpace(nc.Email),
		nc.Phone,
		nc.Mobile,
		dob,
		p.opts.Clock().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, unavailable(err)
	}
	return id, nil
}

func (p *Postgres) CardExists(ctx context.Context, cardNo string) (bool, error) {
	return cardExists(ctx, p.db, cardNo)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func cardExists(ctx context.Context, q queryer, cardNo string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM membership_cards WHERE card_no = $1)`, cardNo).Scan(&exists)
	if err != nil {
		return false, unavailable(err)
	}
	return exists, nil
}

func (p *Postgres) Renew(ctx context.Context, customerID int64, req RenewRequest) (Renewal, error) {
	req = req.withDefaults(p.opts.Clock)

	var out Renewal
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Locking the customer row serializes every renewal for this customer
		// until commit; other customers are unaffected.
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM customers WHERE id = $1 FOR UPDATE`, customerID).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrCustomerNotFound
			}
			return err
		}

		var current *time.Time
		var exp time.Time
		err = tx.QueryRowContext(ctx, `
SELECT expiry_at
FROM membership_cards
WHERE customer_id = $1 AND NOT revoked
ORDER BY expiry_at DESC, created_at DESC
LIMIT 1
`, customerID).Scan(&exp)
		switch {
		case err == nil:
			current = &exp
		case errors.Is(err, sql.ErrNoRows):
		default:
			return err
		}

		w := renewal.Compute(current, req.Today, req.TermMonths)

		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			cardNo := req.CardNo
			supplied := cardNo != ""
			if !supplied {
				cardNo = p.opts.Cards.Next(req.Today)
			}

			taken, err := cardExists(ctx, tx, cardNo)
			if err != nil {
				return err
			}
			if !taken {
				// ON CONFLICT covers a concurrent allocation for another customer
				// between the check and the insert.
				var cardID int64
				err = tx.QueryRowContext(ctx, `
INSERT INTO membership_cards (customer_id, card_no, start_date, expiry_at, revoked, created_at)
VALUES ($1, $2, $3, $4, FALSE, $5)
ON CONFLICT (card_no) DO NOTHING
RETURNING id
`, customerID, cardNo, w.Start.Format(time.DateOnly), w.ExpiresAt, req.IssuedAt.UTC()).Scan(&cardID)
				if err == nil {
					out = Renewal{CustomerID: customerID, CardID: cardID, CardNo: cardNo, Window: w}
					return nil
				}
				if !errors.Is(err, sql.ErrNoRows) {
					return err
				}
			}

			if supplied {
				return ErrDuplicateCardNumber
			}
			p.opts.OnCardCollision(cardNo)
		}
	})
	if err != nil {
		return Renewal{}, unavailable(err)
	}
	return out, nil
}
