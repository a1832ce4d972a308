package postgres

import (
	"context"
	"fmt"

	"paymentswitch/internal/domain"
)

func recordWebhook(ctx context.Context, querier domain.Querier, rec *domain.WebhookInboxRecord) error {
	query := `
		INSERT INTO webhook_inbox (connector, event_id, merchant_id, intent_id, status, payload, received_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (connector, event_id) DO NOTHING
	`
	res, err := querier.ExecContext(ctx, query,
		rec.Connector,
		rec.EventID,
		rec.MerchantID,
		rec.IntentID,
		rec.Status,
		rec.Payload,
		rec.ReceivedAt,
		rec.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record webhook %s/%s: %w", rec.Connector, rec.EventID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for webhook inbox insert: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", domain.ErrWebhookDuplicate, rec.Connector, rec.EventID)
	}
	return nil
}

func webhookSeen(ctx context.Context, querier domain.Querier, connector, eventID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM webhook_inbox WHERE connector = $1 AND event_id = $2)`
	var seen bool
	if err := querier.QueryRowContext(ctx, query, connector, eventID).Scan(&seen); err != nil {
		return false, fmt.Errorf("failed to check webhook inbox for %s/%s: %w", connector, eventID, err)
	}
	return seen, nil
}
