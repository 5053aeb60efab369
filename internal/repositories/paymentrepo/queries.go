package paymentrepo

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sqlc-dev/pqtype"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type PaymentRow struct {
	ID               string
	MerchantID       string
	Amount           decimal.Decimal
	Currency         string
	CryptoCurrency   string
	Status           string
	RouteID          sql.NullString
	Route            pqtype.NullRawMessage
	FailedRoutes     []string
	Customer         []byte
	Metadata         pqtype.NullRawMessage
	Instructions     pqtype.NullRawMessage
	RefundedAmount   decimal.NullDecimal
	SettlementID     sql.NullString
	SettlementStatus sql.NullString
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      sql.NullTime
}

// Instructions are only replaced when the new row carries them, and an older
// snapshot never overwrites a newer one.
const upsertPayment = `
INSERT INTO payments (
    id, merchant_id, amount, currency, crypto_currency, status, route_id, route,
    failed_routes, customer, metadata, instructions, refunded_amount,
    settlement_id, settlement_status, created_at, updated_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    route_id = EXCLUDED.route_id,
    route = EXCLUDED.route,
    failed_routes = EXCLUDED.failed_routes,
    metadata = EXCLUDED.metadata,
    instructions = COALESCE(EXCLUDED.instructions, payments.instructions),
    refunded_amount = EXCLUDED.refunded_amount,
    settlement_id = EXCLUDED.settlement_id,
    settlement_status = EXCLUDED.settlement_status,
    updated_at = EXCLUDED.updated_at,
    completed_at = EXCLUDED.completed_at
WHERE payments.updated_at <= EXCLUDED.updated_at`

func (q *Queries) UpsertPayment(ctx context.Context, arg PaymentRow) error {
	failed := arg.FailedRoutes
	if failed == nil {
		failed = []string{}
	}
	_, err := q.db.ExecContext(ctx, upsertPayment,
		arg.ID,
		arg.MerchantID,
		arg.Amount,
		arg.Currency,
		arg.CryptoCurrency,
		arg.Status,
		arg.RouteID,
		arg.Route,
		pq.Array(failed),
		arg.Customer,
		arg.Metadata,
		arg.Instructions,
		arg.RefundedAmount,
		arg.SettlementID,
		arg.SettlementStatus,
		arg.CreatedAt,
		arg.UpdatedAt,
		arg.CompletedAt,
	)
	return err
}

const getPayment = `
SELECT id, merchant_id, amount, currency, crypto_currency, status, route_id, route,
    failed_routes, customer, metadata, instructions, refunded_amount,
    settlement_id, settlement_status, created_at, updated_at, completed_at
FROM payments
WHERE id = $1`

func (q *Queries) GetPayment(ctx context.Context, id string) (PaymentRow, error) {
	row := q.db.QueryRowContext(ctx, getPayment, id)
	var i PaymentRow
	err := row.Scan(
		&i.ID,
		&i.MerchantID,
		&i.Amount,
		&i.Currency,
		&i.CryptoCurrency,
		&i.Status,
		&i.RouteID,
		&i.Route,
		pq.Array(&i.FailedRoutes),
		&i.Customer,
		&i.Metadata,
		&i.Instructions,
		&i.RefundedAmount,
		&i.SettlementID,
		&i.SettlementStatus,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.CompletedAt,
	)
	return i, err
}

type SettlementRow struct {
	ID                    string
	PaymentID             string
	MerchantID            string
	RouteID               sql.NullString
	Amount                decimal.Decimal
	Currency              string
	WalletAddress         string
	TxHash                sql.NullString
	Status                string
	Fees                  []byte
	Confirmations         int32
	RequiredConfirmations int32
	CreatedAt             time.Time
	SettledAt             sql.NullTime
}

const upsertSettlement = `
INSERT INTO settlements (
    id, payment_id, merchant_id, route_id, amount, currency, wallet_address, tx_hash,
    status, fees, confirmations, required_confirmations, created_at, settled_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
    tx_hash = EXCLUDED.tx_hash,
    status = EXCLUDED.status,
    confirmations = EXCLUDED.confirmations,
    settled_at = EXCLUDED.settled_at`

func (q *Queries) UpsertSettlement(ctx context.Context, arg SettlementRow) error {
	_, err := q.db.ExecContext(ctx, upsertSettlement,
		arg.ID,
		arg.PaymentID,
		arg.MerchantID,
		arg.RouteID,
		arg.Amount,
		arg.Currency,
		arg.WalletAddress,
		arg.TxHash,
		arg.Status,
		arg.Fees,
		arg.Confirmations,
		arg.RequiredConfirmations,
		arg.CreatedAt,
		arg.SettledAt,
	)
	return err
}

const getSettlement = `
SELECT id, payment_id, merchant_id, route_id, amount, currency, wallet_address, tx_hash,
    status, fees, confirmations, required_confirmations, created_at, settled_at
FROM settlements
WHERE id = $1`

func (q *Queries) GetSettlement(ctx context.Context, id string) (SettlementRow, error) {
	row := q.db.QueryRowContext(ctx, getSettlement, id)
	var i SettlementRow
	err := row.Scan(
		&i.ID,
		&i.PaymentID,
		&i.MerchantID,
		&i.RouteID,
		&i.Amount,
		&i.Currency,
		&i.WalletAddress,
		&i.TxHash,
		&i.Status,
		&i.Fees,
		&i.Confirmations,
		&i.RequiredConfirmations,
		&i.CreatedAt,
		&i.SettledAt,
	)
	return i, err
}

type AuditRow struct {
	PaymentID string
	Action    string
	Status    string
	RouteID   sql.NullString
	Details   pqtype.NullRawMessage
	CreatedAt time.Time
}

const insertAudit = `
INSERT INTO payment_audit (payment_id, action, status, route_id, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

func (q *Queries) InsertAudit(ctx context.Context, arg AuditRow) error {
	_, err := q.db.ExecContext(ctx, insertAudit,
		arg.PaymentID,
		arg.Action,
		arg.Status,
		arg.RouteID,
		arg.Details,
		arg.CreatedAt,
	)
	return err
}

const listAudit = `
SELECT payment_id, action, status, route_id, details, created_at
FROM payment_audit
WHERE payment_id = $1
ORDER BY id`

func (q *Queries) ListAudit(ctx context.Context, paymentID string) ([]AuditRow, error) {
	rows, err := q.db.QueryContext(ctx, listAudit, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []AuditRow
	for rows.Next() {
		var i AuditRow
		if err := rows.Scan(
			&i.PaymentID,
			&i.Action,
			&i.Status,
			&i.RouteID,
			&i.Details,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
