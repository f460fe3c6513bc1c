package models

import (
	"time"

	"github.com/google/uuid"
)

// EventTradeExecuted is the type tag of TradeEvent payloads
const EventTradeExecuted = "trade_executed"

// TradeEvent is the outbox record announcing a trade to both parties. It
// is written in the same transaction as the trade; ID lets consumers drop
// redeliveries.
type TradeEvent struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	Recipients []int64   `json:"recipients"`
	Trade      Trade     `json:"trade"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewTradeEvent builds the event for t addressed to its buyer and seller
func NewTradeEvent(t Trade) TradeEvent {
	recipients := []int64{t.BuyerID}
	if t.SellerID != t.BuyerID {
		recipients = append(recipients, t.SellerID)
	}
	return TradeEvent{
		ID:         uuid.New(),
		Type:       EventTradeExecuted,
		Recipients: recipients,
		Trade:      t,
		CreatedAt:  time.Now().UTC(),
	}
}
