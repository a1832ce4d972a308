package domain

import (
	"net/http"
	"time"
)

// WebhookEvent is a raw inbound connector callback. The connector is taken
// from the receiving path, never from the payload.
type WebhookEvent struct {
	MerchantID string
	Connector  string
	Payload    []byte
	Header     http.Header
	ReceivedAt time.Time
}

type WebhookInboxStatus string

const (
	WebhookInboxApplied   WebhookInboxStatus = "APPLIED"
	WebhookInboxNoOp      WebhookInboxStatus = "NOOP"
	WebhookInboxUnmatched WebhookInboxStatus = "UNMATCHED"
)

// WebhookInboxRecord remembers a reconciled event so replays are detected.
// (Connector, EventID) is unique.
type WebhookInboxRecord struct {
	Connector   string
	EventID     string
	MerchantID  string
	IntentID    string
	Status      WebhookInboxStatus
	Payload     []byte
	ReceivedAt  time.Time
	ProcessedAt time.Time
}
