package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeTransferSent     = "transfer.sent"
	EventTypeTransferReceived = "transfer.received"

	EventTypeLimitsUpdated          = "ratelimit.limits_updated"
	EventTypeLimitOverridden        = "ratelimit.overridden"
	EventTypeLimitOverriddenByGUID  = "ratelimit.overridden_by_transfer"

	EventTypeExemptionUpdated = "registry.exemption_updated"
	EventTypeOverrideUpdated  = "registry.override_updated"

	EventTypeFeeWithdrawn = "fees.withdrawn"

	EventTypeGatewayPaused   = "gateway.paused"
	EventTypeGatewayUnpaused = "gateway.unpaused"
)

// Event is the envelope published on every state transition.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Data      json.RawMessage `json:"data"`
}

// TransferSentEvent records an outbound debit.
type TransferSentEvent struct {
	GUID           string `json:"guid,omitempty"`
	DstEdge        uint32 `json:"dst_edge"`
	From           string `json:"from"`
	AmountSettled  string `json:"amount_settled"`
	AmountReceived string `json:"amount_received"`
	Fee            string `json:"fee"`
}

// TransferReceivedEvent records an inbound credit.
type TransferReceivedEvent struct {
	GUID           string `json:"guid"`
	SrcEdge        uint32 `json:"src_edge"`
	To             string `json:"to"`
	AmountReceived string `json:"amount_received"`
}

// LimitOverriddenEvent records a transfer that bypassed rate accounting
// through a standing identity exemption.
type LimitOverriddenEvent struct {
	Identity string `json:"identity"`
	Amount   string `json:"amount"`
}

// LimitOverriddenByGUIDEvent records a transfer that bypassed rate
// accounting through a per-transfer override.
type LimitOverriddenByGUIDEvent struct {
	GUID   string `json:"guid"`
	Amount string `json:"amount"`
}

// LimitsUpdatedEvent carries the full new quota configuration.
type LimitsUpdatedEvent struct {
	Limits json.RawMessage `json:"limits"`
}

// ExemptionUpdatedEvent records one identity exemption change.
type ExemptionUpdatedEvent struct {
	Identity string `json:"identity"`
	Exempt   bool   `json:"exempt"`
}

// OverrideUpdatedEvent records one transfer-override change.
type OverrideUpdatedEvent struct {
	GUID        string `json:"guid"`
	CanOverride bool   `json:"can_override"`
}

// FeeWithdrawnEvent records an admin fee withdrawal.
type FeeWithdrawnEvent struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// NewEvent wraps a payload into the event envelope.
func NewEvent(eventType, source string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Data:      dataBytes,
	}, nil
}

// ParseEventData parses event data into the specified type.
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
