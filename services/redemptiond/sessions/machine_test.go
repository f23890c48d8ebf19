package sessions

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"repaircoin/services/redemptiond/models"
)

func TestValidateTransition(t *testing.T) {
	legal := map[models.SessionStatus][]models.SessionStatus{
		models.StatusPending:  {models.StatusApproved, models.StatusRejected, models.StatusCancelled, models.StatusExpired},
		models.StatusApproved: {models.StatusUsed, models.StatusExpired},
	}
	all := []models.SessionStatus{models.StatusPending, models.StatusApproved, models.StatusRejected, models.StatusCancelled, models.StatusExpired, models.StatusUsed}
	for _, from := range all {
		for _, to := range all {
			allowed := false
			for _, next := range legal[from] {
				if next == to {
					allowed = true
				}
			}
			err := ValidateTransition(from, to)
			if allowed && err != nil {
				t.Fatalf("%s -> %s should be allowed: %v", from, to, err)
			}
			if !allowed && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s should be rejected, got %v", from, to, err)
			}
		}
	}
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	session := models.RedemptionSession{Status: models.StatusPending, ExpiresAt: now}

	assert.Equal(t, models.StatusPending, EffectiveStatus(session, now))
	assert.Equal(t, models.StatusExpired, EffectiveStatus(session, now.Add(time.Second)))

	session.Status = models.StatusApproved
	assert.Equal(t, models.StatusExpired, EffectiveStatus(session, now.Add(time.Second)))

	session.Status = models.StatusUsed
	assert.Equal(t, models.StatusUsed, EffectiveStatus(session, now.Add(time.Hour)))
}

func TestAuthorize(t *testing.T) {
	session := models.RedemptionSession{CustomerAddress: "0xaaa", ShopID: "shop-1"}

	assert.NoError(t, Authorize(session, CustomerActor("0xaaa"), models.StatusApproved))
	assert.NoError(t, Authorize(session, CustomerActor("0xaaa"), models.StatusRejected))
	assert.ErrorIs(t, Authorize(session, CustomerActor("0xbbb"), models.StatusApproved), ErrNotParty)
	assert.ErrorIs(t, Authorize(session, ShopActor("shop-1"), models.StatusApproved), ErrNotParty)

	assert.NoError(t, Authorize(session, ShopActor("shop-1"), models.StatusCancelled))
	assert.NoError(t, Authorize(session, ShopActor("shop-1"), models.StatusUsed))
	assert.NoError(t, Authorize(session, System, models.StatusUsed))
	assert.ErrorIs(t, Authorize(session, ShopActor("shop-2"), models.StatusUsed), ErrNotParty)
	assert.ErrorIs(t, Authorize(session, CustomerActor("0xaaa"), models.StatusCancelled), ErrNotParty)

	assert.NoError(t, Authorize(session, System, models.StatusExpired))
	assert.ErrorIs(t, Authorize(session, ShopActor("shop-1"), models.StatusExpired), ErrNotParty)
}
