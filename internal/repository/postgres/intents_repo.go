package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"paymentswitch/internal/domain"
	"paymentswitch/internal/repository"
)

const intentColumns = `id, merchant_id, business_profile, amount, currency, capture_method, amount_to_capture,
	customer_id, payment_method, payment_method_type, metadata, status, amount_captured, amount_refunded,
	connector, connector_account_id, connector_reference, pending_operation, pending_since, attempt_count,
	last_error_code, last_error, created_at, updated_at`

func insertIntent(ctx context.Context, querier domain.Querier, p *domain.PaymentIntent) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for intent %s: %w", p.ID, err)
	}
	query := `INSERT INTO payment_intents (` + intentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`
	_, err = querier.ExecContext(ctx, query,
		p.ID, p.MerchantID, p.BusinessProfile, p.Amount, p.Currency, p.CaptureMethod, p.AmountToCapture,
		p.CustomerID, p.PaymentMethod, p.PaymentMethodType, metadata, p.Status, p.AmountCaptured, p.AmountRefunded,
		p.Connector, p.ConnectorAccountID, p.ConnectorReference, p.PendingOperation, nullTime(p.PendingSince), p.AttemptCount,
		p.LastErrorCode, p.LastError, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", repository.ErrIntentExists, p.ID)
		}
		return fmt.Errorf("failed to create payment intent %s: %w", p.ID, err)
	}
	return nil
}

func getIntent(ctx context.Context, querier domain.Querier, id string, forUpdate bool) (*domain.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p := &domain.PaymentIntent{}
	var (
		metadata     []byte
		pendingSince sql.NullTime
	)
	err := querier.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.MerchantID, &p.BusinessProfile, &p.Amount, &p.Currency, &p.CaptureMethod, &p.AmountToCapture,
		&p.CustomerID, &p.PaymentMethod, &p.PaymentMethodType, &metadata, &p.Status, &p.AmountCaptured, &p.AmountRefunded,
		&p.Connector, &p.ConnectorAccountID, &p.ConnectorReference, &p.PendingOperation, &pendingSince, &p.AttemptCount,
		&p.LastErrorCode, &p.LastError, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrIntentNotFound, id)
		}
		return nil, fmt.Errorf("failed to get payment intent %s: %w", id, err)
	}
	if pendingSince.Valid {
		p.PendingSince = pendingSince.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for intent %s: %w", id, err)
		}
	}
	return p, nil
}

func updateIntent(ctx context.Context, querier domain.Querier, p *domain.PaymentIntent) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for intent %s: %w", p.ID, err)
	}
	query := `
		UPDATE payment_intents SET
			amount = $2, amount_to_capture = $3, payment_method = $4, payment_method_type = $5, metadata = $6,
			status = $7, amount_captured = $8, amount_refunded = $9, connector = $10, connector_account_id = $11,
			connector_reference = $12, pending_operation = $13, pending_since = $14, attempt_count = $15,
			last_error_code = $16, last_error = $17, updated_at = $18
		WHERE id = $1
	`
	res, err := querier.ExecContext(ctx, query,
		p.ID, p.Amount, p.AmountToCapture, p.PaymentMethod, p.PaymentMethodType, metadata,
		p.Status, p.AmountCaptured, p.AmountRefunded, p.Connector, p.ConnectorAccountID,
		p.ConnectorReference, p.PendingOperation, nullTime(p.PendingSince), p.AttemptCount,
		p.LastErrorCode, p.LastError, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment intent %s: %w", p.ID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for intent update: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrIntentNotFound, p.ID)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
