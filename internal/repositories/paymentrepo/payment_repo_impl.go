package paymentrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sqlc-dev/pqtype"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/database"
)

type paymentRepository struct {
	db     *sql.DB
	store  *Queries
	logger zerolog.Logger
}

func New(db *database.DBManager, logger zerolog.Logger) IPaymentRepository {
	return NewWithDB(db.Db, logger)
}

func NewWithDB(db *sql.DB, logger zerolog.Logger) IPaymentRepository {
	return &paymentRepository{
		db:     db,
		store:  NewQueries(db),
		logger: logger.With().Str("component", "payment_repository").Logger(),
	}
}

func (r *paymentRepository) SavePayment(ctx context.Context, payment *domain.Payment, instructions *domain.PaymentInstructions) error {
	row, err := toPaymentRow(payment, instructions)
	if err != nil {
		return err
	}

	if err := r.store.UpsertPayment(ctx, row); err != nil {
		r.logger.Error().Err(err).Str("payment_id", payment.ID).Str("status", string(payment.Status)).Msg("Failed to save payment")
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) GetPayment(ctx context.Context, id string) (*domain.Payment, *domain.PaymentInstructions, error) {
	row, err := r.store.GetPayment(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, domain.NewNotFoundError("payment", id)
	}
	if err != nil {
		r.logger.Error().Err(err).Str("payment_id", id).Msg("Failed to get payment")
		return nil, nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return fromPaymentRow(row)
}

func (r *paymentRepository) SaveSettlement(ctx context.Context, settlement *domain.Settlement) error {
	fees, err := json.Marshal(settlement.Fees)
	if err != nil {
		return fmt.Errorf("failed to encode settlement fees: %w", err)
	}

	row := SettlementRow{
		ID:                    settlement.ID,
		PaymentID:             settlement.PaymentID,
		MerchantID:            settlement.MerchantID,
		RouteID:               nullString(settlement.RouteID),
		Amount:                settlement.Amount,
		Currency:              settlement.Currency,
		WalletAddress:         settlement.WalletAddress,
		TxHash:                nullString(settlement.TxHash),
		Status:                string(settlement.Status),
		Fees:                  fees,
		Confirmations:         int32(settlement.Confirmations),
		RequiredConfirmations: int32(settlement.RequiredConfirmations),
		CreatedAt:             settlement.CreatedAt,
	}
	if settlement.SettledAt != nil {
		row.SettledAt = sql.NullTime{Time: *settlement.SettledAt, Valid: true}
	}

	if err := r.store.UpsertSettlement(ctx, row); err != nil {
		r.logger.Error().Err(err).Str("settlement_id", settlement.ID).Msg("Failed to save settlement")
		return fmt.Errorf("failed to save settlement: %w", err)
	}
	return nil
}

func (r *paymentRepository) GetSettlement(ctx context.Context, id string) (*domain.Settlement, error) {
	row, err := r.store.GetSettlement(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("settlement", id)
	}
	if err != nil {
		r.logger.Error().Err(err).Str("settlement_id", id).Msg("Failed to get settlement")
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}

	s := &domain.Settlement{
		ID:                    row.ID,
		PaymentID:             row.PaymentID,
		MerchantID:            row.MerchantID,
		RouteID:               row.RouteID.String,
		Amount:                row.Amount,
		Currency:              row.Currency,
		WalletAddress:         row.WalletAddress,
		TxHash:                row.TxHash.String,
		Status:                domain.SettlementStatus(row.Status),
		Confirmations:         int(row.Confirmations),
		RequiredConfirmations: int(row.RequiredConfirmations),
		CreatedAt:             row.CreatedAt,
	}
	if err := json.Unmarshal(row.Fees, &s.Fees); err != nil {
		return nil, fmt.Errorf("failed to decode settlement fees: %w", err)
	}
	if row.SettledAt.Valid {
		t := row.SettledAt.Time
		s.SettledAt = &t
	}
	return s, nil
}

func (r *paymentRepository) AppendAudit(ctx context.Context, paymentID string, entry domain.AuditEntry) error {
	details, err := nullJSON(entry.Details, len(entry.Details) > 0)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	if err := r.store.InsertAudit(ctx, AuditRow{
		PaymentID: paymentID,
		Action:    entry.Action,
		Status:    string(entry.Status),
		RouteID:   nullString(entry.RouteID),
		Details:   details,
		CreatedAt: entry.Timestamp,
	}); err != nil {
		r.logger.Error().Err(err).Str("payment_id", paymentID).Str("action", entry.Action).Msg("Failed to append audit entry")
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (r *paymentRepository) ListAudit(ctx context.Context, paymentID string) ([]domain.AuditEntry, error) {
	rows, err := r.store.ListAudit(ctx, paymentID)
	if err != nil {
		r.logger.Error().Err(err).Str("payment_id", paymentID).Msg("Failed to list audit entries")
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	entries := make([]domain.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry := domain.AuditEntry{
			Action:    row.Action,
			Status:    domain.PaymentStatus(row.Status),
			RouteID:   row.RouteID.String,
			Timestamp: row.CreatedAt,
		}
		if row.Details.Valid {
			if err := json.Unmarshal(row.Details.RawMessage, &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func toPaymentRow(p *domain.Payment, instructions *domain.PaymentInstructions) (PaymentRow, error) {
	customer, err := json.Marshal(p.Customer)
	if err != nil {
		return PaymentRow{}, fmt.Errorf("failed to encode customer: %w", err)
	}
	route, err := nullJSON(p.Route, p.Route != nil)
	if err != nil {
		return PaymentRow{}, fmt.Errorf("failed to encode route: %w", err)
	}
	metadata, err := nullJSON(p.Metadata, len(p.Metadata) > 0)
	if err != nil {
		return PaymentRow{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	instr, err := nullJSON(instructions, instructions != nil)
	if err != nil {
		return PaymentRow{}, fmt.Errorf("failed to encode instructions: %w", err)
	}

	row := PaymentRow{
		ID:               p.ID,
		MerchantID:       p.MerchantID,
		Amount:           p.Amount,
		Currency:         string(p.Currency),
		CryptoCurrency:   p.CryptoCurrency,
		Status:           string(p.Status),
		Route:            route,
		FailedRoutes:     p.FailedRoutes,
		Customer:         customer,
		Metadata:         metadata,
		Instructions:     instr,
		SettlementID:     nullString(p.SettlementID),
		SettlementStatus: nullString(string(p.SettlementStatus)),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
	if p.Route != nil {
		row.RouteID = nullString(p.Route.ID)
	}
	if p.RefundedAmount != nil {
		row.RefundedAmount = decimal.NullDecimal{Decimal: *p.RefundedAmount, Valid: true}
	}
	if p.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *p.CompletedAt, Valid: true}
	}
	return row, nil
}

func fromPaymentRow(row PaymentRow) (*domain.Payment, *domain.PaymentInstructions, error) {
	p := &domain.Payment{
		ID:               row.ID,
		MerchantID:       row.MerchantID,
		Amount:           row.Amount,
		Currency:         domain.FiatCurrency(row.Currency),
		CryptoCurrency:   row.CryptoCurrency,
		Status:           domain.PaymentStatus(row.Status),
		FailedRoutes:     row.FailedRoutes,
		SettlementID:     row.SettlementID.String,
		SettlementStatus: domain.SettlementStatus(row.SettlementStatus.String),
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if len(p.FailedRoutes) == 0 {
		p.FailedRoutes = nil
	}
	if err := json.Unmarshal(row.Customer, &p.Customer); err != nil {
		return nil, nil, fmt.Errorf("failed to decode customer: %w", err)
	}
	if row.Route.Valid {
		p.Route = &domain.PaymentRoute{}
		if err := json.Unmarshal(row.Route.RawMessage, p.Route); err != nil {
			return nil, nil, fmt.Errorf("failed to decode route: %w", err)
		}
	}
	if row.Metadata.Valid {
		if err := json.Unmarshal(row.Metadata.RawMessage, &p.Metadata); err != nil {
			return nil, nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if row.RefundedAmount.Valid {
		a := row.RefundedAmount.Decimal
		p.RefundedAmount = &a
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		p.CompletedAt = &t
	}

	var instructions *domain.PaymentInstructions
	if row.Instructions.Valid {
		instructions = &domain.PaymentInstructions{}
		if err := json.Unmarshal(row.Instructions.RawMessage, instructions); err != nil {
			return nil, nil, fmt.Errorf("failed to decode instructions: %w", err)
		}
	}
	return p, instructions, nil
}

func nullJSON(v any, valid bool) (pqtype.NullRawMessage, error) {
	if !valid {
		return pqtype.NullRawMessage{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return pqtype.NullRawMessage{}, err
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
