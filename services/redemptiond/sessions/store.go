// Package sessions persists redemption sessions and guards their lifecycle.
// Every status change is a conditional update keyed on the expected current
// status, so of two racing transitions exactly one is observed.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"repaircoin/services/redemptiond/ledger"
	"repaircoin/services/redemptiond/models"
)

// DefaultTTL is the lifetime of a session that has not been acted on.
const DefaultTTL = 5 * time.Minute

const listLimit = 100

// Store reads and writes redemption sessions.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a session store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx rebinds the store to an open transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, now: s.now}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{db: s.db, now: now}
}

// Create opens a pending session for the pair. Stale pending sessions of the
// pair are expired first; a live one yields ErrDuplicatePending.
func (s *Store) Create(ctx context.Context, customer, shopID string, amount decimal.Decimal, ttl time.Duration, actor Actor) (models.RedemptionSession, error) {
	if !amount.IsPositive() {
		return models.RedemptionSession{}, ErrInvalidAmount
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	customer = ledger.NormalizeAddress(customer)
	var session models.RedemptionSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inner := s.WithTx(tx)
		now := s.now()

		// Serialises creates for the customer on Postgres.
		var holder models.Customer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("address").First(&holder, "address = ?", customer).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lock customer: %w", err)
		}

		var stale []models.RedemptionSession
		if err := tx.Where("customer_address = ? AND shop_id = ? AND status = ? AND expires_at < ?",
			customer, shopID, models.StatusPending, now).Find(&stale).Error; err != nil {
			return fmt.Errorf("load stale sessions: %w", err)
		}
		for _, old := range stale {
			if _, err := inner.Transition(ctx, old.ID, models.StatusPending, models.StatusExpired, now, System); err != nil && !errors.Is(err, ErrStaleTransition) {
				return err
			}
		}

		var live int64
		if err := tx.Model(&models.RedemptionSession{}).
			Where("customer_address = ? AND shop_id = ? AND status = ?", customer, shopID, models.StatusPending).
			Count(&live).Error; err != nil {
			return fmt.Errorf("count pending sessions: %w", err)
		}
		if live > 0 {
			return ErrDuplicatePending
		}

		session = models.RedemptionSession{
			ID:              uuid.New(),
			CustomerAddress: customer,
			ShopID:          shopID,
			Amount:          amount,
			Status:          models.StatusPending,
			CreatedAt:       now,
			ExpiresAt:       now.Add(ttl),
		}
		if err := tx.Create(&session).Error; err != nil {
			if isDuplicate(err) {
				return ErrDuplicatePending
			}
			return fmt.Errorf("insert session: %w", err)
		}
		return appendEvent(tx, session.ID, "", models.StatusPending, actor, now)
	})
	if err != nil {
		return models.RedemptionSession{}, err
	}
	return session, nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (models.RedemptionSession, error) {
	var session models.RedemptionSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session, ErrNotFound
		}
		return session, fmt.Errorf("load session: %w", err)
	}
	return session, nil
}

// Lock loads a session and holds its row lock until the surrounding
// transaction ends. Only meaningful on a store bound with WithTx.
func (s *Store) Lock(ctx context.Context, id uuid.UUID) (models.RedemptionSession, error) {
	var session models.RedemptionSession
	if err := s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return session, ErrNotFound
		}
		return session, fmt.Errorf("lock session: %w", err)
	}
	return session, nil
}

// TransitionOption adds fields written together with a status change.
type TransitionOption func(map[string]any)

// WithTransactionID links the settled transaction record.
func WithTransactionID(id uuid.UUID) TransitionOption {
	return func(m map[string]any) { m["transaction_id"] = id }
}

// WithApprovalProof stores the proof that authorised an approval.
func WithApprovalProof(proof string) TransitionOption {
	return func(m map[string]any) { m["approval_proof"] = proof }
}

// Transition moves the session from one status to another only if it is still
// in the expected status. Any move other than to expired also requires the
// session to be unexpired at at; failing that yields ErrSessionExpired. A lost
// race yields ErrStaleTransition; a session already in a terminal state yields
// ErrInvalidTransition.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, from, to models.SessionStatus, at time.Time, actor Actor, opts ...TransitionOption) (models.RedemptionSession, error) {
	if err := ValidateTransition(from, to); err != nil {
		return models.RedemptionSession{}, err
	}
	updates := map[string]any{"status": to}
	if column := timestampColumn(to); column != "" {
		updates[column] = at
	}
	for _, opt := range opts {
		opt(updates)
	}

	var session models.RedemptionSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.RedemptionSession{}).Where("id = ? AND status = ?", id, from)
		if to != models.StatusExpired {
			q = q.Where("expires_at >= ?", at)
		}
		res := q.Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update session: %w", res.Error)
		}
		if err := tx.First(&session, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("reload session: %w", err)
		}
		if res.RowsAffected == 0 {
			if session.Status.Terminal() {
				return fmt.Errorf("%w: session is %s", ErrInvalidTransition, session.Status)
			}
			if session.Status == from && IsExpired(session, at) {
				return ErrSessionExpired
			}
			return ErrStaleTransition
		}
		return appendEvent(tx, id, from, to, actor, at)
	})
	if err != nil {
		return models.RedemptionSession{}, err
	}
	return session, nil
}

// ListByCustomer returns the newest sessions of a customer, optionally filtered by status.
func (s *Store) ListByCustomer(ctx context.Context, address string, status models.SessionStatus) ([]models.RedemptionSession, error) {
	return s.list(ctx, "customer_address = ?", ledger.NormalizeAddress(address), status)
}

// ListByShop returns the newest sessions of a shop, optionally filtered by status.
func (s *Store) ListByShop(ctx context.Context, shopID string, status models.SessionStatus) ([]models.RedemptionSession, error) {
	return s.list(ctx, "shop_id = ?", shopID, status)
}

func (s *Store) list(ctx context.Context, where string, arg any, status models.SessionStatus) ([]models.RedemptionSession, error) {
	query := s.db.WithContext(ctx).Where(where, arg)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var out []models.RedemptionSession
	if err := query.Order("created_at DESC").Limit(listLimit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Expiry is a session the sweeper moved to expired, with the status it left.
type Expiry struct {
	Session models.RedemptionSession
	From    models.SessionStatus
}

// ExpireStale marks every pending or approved session whose TTL elapsed before
// now as expired and returns the sessions it changed.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) ([]Expiry, error) {
	var candidates []models.RedemptionSession
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?", []models.SessionStatus{models.StatusPending, models.StatusApproved}, now).
		Order("expires_at").
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("load expired sessions: %w", err)
	}
	expired := make([]Expiry, 0, len(candidates))
	for _, candidate := range candidates {
		session, err := s.Transition(ctx, candidate.ID, candidate.Status, models.StatusExpired, now, System)
		if err != nil {
			if errors.Is(err, ErrStaleTransition) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		expired = append(expired, Expiry{Session: session, From: candidate.Status})
	}
	return expired, nil
}

// Events returns the audit trail of a session in order.
func (s *Store) Events(ctx context.Context, id uuid.UUID) ([]models.SessionEvent, error) {
	var events []models.SessionEvent
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).Order("created_at, id").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("load session events: %w", err)
	}
	return events, nil
}

func appendEvent(tx *gorm.DB, sessionID uuid.UUID, from, to models.SessionStatus, actor Actor, at time.Time) error {
	event := models.SessionEvent{
		ID:         uuid.New(),
		SessionID:  sessionID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor.String(),
		CreatedAt:  at,
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

func timestampColumn(status models.SessionStatus) string {
	switch status {
	case models.StatusApproved:
		return "approved_at"
	case models.StatusRejected:
		return "rejected_at"
	case models.StatusCancelled:
		return "cancelled_at"
	case models.StatusExpired:
		return "expired_at"
	case models.StatusUsed:
		return "used_at"
	}
	return ""
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
