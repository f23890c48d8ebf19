package sessions

import (
	"errors"
	"fmt"
	"time"

	"repaircoin/services/redemptiond/models"
)

var (
	ErrInvalidAmount     = errors.New("sessions: amount must be positive")
	ErrNotFound          = errors.New("sessions: session not found")
	ErrDuplicatePending  = errors.New("sessions: a pending session already exists for this customer and shop")
	ErrStaleTransition   = errors.New("sessions: session changed concurrently")
	ErrInvalidTransition = errors.New("sessions: transition not permitted")
	ErrSessionExpired    = errors.New("sessions: session expired")
	ErrNotParty          = errors.New("sessions: actor is not a party to this session")
)

var allowedTransitions = map[models.SessionStatus][]models.SessionStatus{
	models.StatusPending:  {models.StatusApproved, models.StatusRejected, models.StatusCancelled, models.StatusExpired},
	models.StatusApproved: {models.StatusUsed, models.StatusExpired},
}

// ValidateTransition ensures the transition follows the session state machine.
func ValidateTransition(current, next models.SessionStatus) error {
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("%w: no transitions allowed from %s", ErrInvalidTransition, current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, next)
}

// IsExpired reports whether the session's TTL has elapsed at now.
func IsExpired(session models.RedemptionSession, now time.Time) bool {
	return now.After(session.ExpiresAt)
}

// EffectiveStatus is the status a reader should observe at now. A pending or
// approved session past its expiry reads as expired even before the row is
// rewritten.
func EffectiveStatus(session models.RedemptionSession, now time.Time) models.SessionStatus {
	switch session.Status {
	case models.StatusPending, models.StatusApproved:
		if IsExpired(session, now) {
			return models.StatusExpired
		}
	}
	return session.Status
}

// Actor is the authenticated caller attempting a transition.
type Actor struct {
	Role    string
	ShopID  string
	Address string
}

// System is the actor used by time-driven expiry.
var System = Actor{Role: "system"}

// CustomerActor identifies a customer wallet.
func CustomerActor(address string) Actor {
	return Actor{Role: models.RoleCustomer, Address: address}
}

// ShopActor identifies a shop.
func ShopActor(shopID string) Actor {
	return Actor{Role: models.RoleShop, ShopID: shopID}
}

func (a Actor) String() string {
	switch a.Role {
	case models.RoleCustomer:
		return "customer:" + a.Address
	case models.RoleShop:
		return "shop:" + a.ShopID
	}
	return a.Role
}

// Authorize enforces who may drive each transition: the session customer
// decides, the session shop cancels and settles, and only the system expires.
func Authorize(session models.RedemptionSession, actor Actor, next models.SessionStatus) error {
	switch next {
	case models.StatusApproved, models.StatusRejected:
		if actor.Role == models.RoleCustomer && actor.Address == session.CustomerAddress {
			return nil
		}
	case models.StatusCancelled, models.StatusUsed:
		if actor.Role == models.RoleShop && actor.ShopID == session.ShopID {
			return nil
		}
		if next == models.StatusUsed && actor.Role == System.Role {
			return nil
		}
	case models.StatusExpired:
		if actor.Role == System.Role {
			return nil
		}
	}
	return ErrNotParty
}
