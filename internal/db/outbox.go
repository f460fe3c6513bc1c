package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/xtrntr/spotexchange/internal/models"
)

// PendingEvents retrieves undelivered trade events, oldest first
func (db *DB) PendingEvents(ctx context.Context, limit int) ([]models.TradeEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT payload::text
		FROM trade_events
		WHERE delivered_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending events: %w", err)
	}
	defer rows.Close()

	var events []models.TradeEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var event models.TradeEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkEventsDelivered stamps events as delivered
func (db *DB) MarkEventsDelivered(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := db.Pool.Exec(ctx,
		"UPDATE trade_events SET delivered_at = now() WHERE id = ANY($1::uuid[]) AND delivered_at IS NULL",
		strs)
	if err != nil {
		return fmt.Errorf("failed to mark events delivered: %w", err)
	}
	return nil
}
