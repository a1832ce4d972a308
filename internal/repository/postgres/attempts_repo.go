package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"paymentswitch/internal/domain"
	"paymentswitch/internal/repository"
)

const attemptColumns = `id, intent_id, seq, connector, connector_account_id, idempotency_key, status,
	connector_reference, routing_reason, request_snapshot, error_code, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*domain.PaymentAttempt, error) {
	a := &domain.PaymentAttempt{}
	err := row.Scan(
		&a.ID, &a.IntentID, &a.Seq, &a.Connector, &a.ConnectorAccountID, &a.IdempotencyKey, &a.Status,
		&a.ConnectorReference, &a.RoutingReason, &a.RequestSnapshot, &a.ErrorCode, &a.ErrorMessage,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func insertAttempt(ctx context.Context, querier domain.Querier, a *domain.PaymentAttempt) error {
	query := `INSERT INTO payment_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := querier.ExecContext(ctx, query,
		a.ID, a.IntentID, a.Seq, a.Connector, a.ConnectorAccountID, a.IdempotencyKey, a.Status,
		a.ConnectorReference, a.RoutingReason, a.RequestSnapshot, a.ErrorCode, a.ErrorMessage,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("attempt %s conflicts with an existing or in-flight attempt: %w", a.ID, err)
		}
		return fmt.Errorf("failed to create payment attempt %s: %w", a.ID, err)
	}
	return nil
}

func updateAttempt(ctx context.Context, querier domain.Querier, a *domain.PaymentAttempt) error {
	query := `
		UPDATE payment_attempts
		SET status = $2, connector_reference = $3, error_code = $4, error_message = $5, updated_at = $6
		WHERE id = $1
	`
	res, err := querier.ExecContext(ctx, query, a.ID, a.Status, a.ConnectorReference, a.ErrorCode, a.ErrorMessage, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update payment attempt %s: %w", a.ID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for attempt update: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", repository.ErrAttemptNotFound, a.ID)
	}
	return nil
}

func listAttempts(ctx context.Context, querier domain.Querier, intentID string) ([]*domain.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts WHERE intent_id = $1 ORDER BY seq ASC`
	rows, err := querier.QueryContext(ctx, query, intentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for intent %s: %w", intentID, err)
	}
	defer rows.Close()

	var attempts []*domain.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payment attempts: %w", err)
	}
	return attempts, nil
}

func findAttemptByReference(ctx context.Context, querier domain.Querier, connector, reference string) (*domain.PaymentAttempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM payment_attempts
		WHERE connector = $1 AND connector_reference = $2
		ORDER BY seq DESC LIMIT 1`
	a, err := scanAttempt(querier.QueryRowContext(ctx, query, connector, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", repository.ErrAttemptNotFound, connector, reference)
		}
		return nil, fmt.Errorf("failed to find attempt by reference %s/%s: %w", connector, reference, err)
	}
	return a, nil
}
