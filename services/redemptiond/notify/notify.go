// Package notify fans session changes out to interested clients. Delivery is
// best effort and never feeds back into session state.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"repaircoin/services/redemptiond/models"
)

// Event describes a committed session change.
type Event struct {
	SessionID       uuid.UUID            `json:"sessionId"`
	CustomerAddress string               `json:"customerAddress"`
	ShopID          string               `json:"shopId"`
	Amount          decimal.Decimal      `json:"amount"`
	From            models.SessionStatus `json:"from,omitempty"`
	Status          models.SessionStatus `json:"status"`
	ExpiresAt       time.Time            `json:"expiresAt"`
	TransactionID   *uuid.UUID           `json:"transactionId,omitempty"`
	At              time.Time            `json:"at"`
}

// EventFor builds the event for a session that just moved from one status.
func EventFor(session models.RedemptionSession, from models.SessionStatus, at time.Time) Event {
	return Event{
		SessionID:       session.ID,
		CustomerAddress: session.CustomerAddress,
		ShopID:          session.ShopID,
		Amount:          session.Amount,
		From:            from,
		Status:          session.Status,
		ExpiresAt:       session.ExpiresAt,
		TransactionID:   session.TransactionID,
		At:              at,
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Multi publishes to each publisher in turn and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
