// Package settlement executes approved redemptions against the ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"repaircoin/observability"
	"repaircoin/services/redemptiond/directory"
	"repaircoin/services/redemptiond/ledger"
	"repaircoin/services/redemptiond/models"
	"repaircoin/services/redemptiond/sessions"
)

var (
	ErrShopInactive      = errors.New("settlement: shop is not active and verified")
	ErrCustomerSuspended = errors.New("settlement: customer is not active")
)

// Result describes a settled redemption.
type Result struct {
	SessionID          uuid.UUID       `json:"sessionId"`
	TransactionID      uuid.UUID       `json:"transactionId"`
	Amount             decimal.Decimal `json:"amount"`
	NewShopBalance     decimal.Decimal `json:"newShopBalance"`
	NewCustomerBalance decimal.Decimal `json:"newCustomerBalance"`
	SettledAt          time.Time       `json:"settledAt"`
	// Replayed is set when the session had already been settled and the
	// recorded outcome is returned instead.
	Replayed bool `json:"replayed"`
}

// Executor settles approved sessions exactly once.
type Executor struct {
	db      *gorm.DB
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.RedemptionMetrics
	tracer  trace.Tracer
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.RedemptionMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor constructs a settlement executor over db.
func NewExecutor(db *gorm.DB, opts ...Option) *Executor {
	e := &Executor{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
		tracer: otel.Tracer("repaircoin/redemptiond/settlement"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settle debits the shop inventory and the customer balance for an approved
// session, records the transaction and marks the session used, all in one
// database transaction. Settling an already-used session returns the recorded
// result without touching balances.
func (e *Executor) Settle(ctx context.Context, sessionID uuid.UUID, actor sessions.Actor) (Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "redemption.settle", trace.WithAttributes(
		attribute.String("session.id", sessionID.String()),
		attribute.String("actor", actor.String()),
	))
	defer span.End()

	result, err := e.settle(ctx, sessionID, actor)
	outcome := outcomeOf(result, err)
	e.metrics.ObserveSettlement(outcome, time.Since(start))
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, outcome)
		e.logger.WarnContext(ctx, "settlement refused",
			slog.String("session_id", sessionID.String()),
			slog.String("outcome", outcome),
			slog.Any("error", err))
		return Result{}, err
	}
	e.logger.InfoContext(ctx, "settlement complete",
		slog.String("session_id", sessionID.String()),
		slog.String("transaction_id", result.TransactionID.String()),
		slog.String("amount", result.Amount.String()),
		slog.Bool("replayed", result.Replayed))
	return result, nil
}

func (e *Executor) settle(ctx context.Context, sessionID uuid.UUID, actor sessions.Actor) (Result, error) {
	var (
		result  Result
		expired bool
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := sessions.NewStore(tx).WithClock(e.now)
		session, err := store.Lock(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := sessions.Authorize(session, actor, models.StatusUsed); err != nil {
			return err
		}
		switch session.Status {
		case models.StatusUsed:
			result, err = recorded(tx, session)
			return err
		case models.StatusApproved:
		case models.StatusExpired:
			return fmt.Errorf("%w: %w", sessions.ErrInvalidTransition, sessions.ErrSessionExpired)
		default:
			return fmt.Errorf("%w: session is %s", sessions.ErrInvalidTransition, session.Status)
		}

		now := e.now()
		if sessions.IsExpired(session, now) {
			if _, err := store.Transition(ctx, session.ID, models.StatusApproved, models.StatusExpired, now, sessions.System); err != nil {
				return err
			}
			expired = true
			return nil
		}

		dir := directory.NewStore(tx)
		shop, err := dir.Shop(ctx, session.ShopID)
		if err != nil {
			return err
		}
		if !directory.ShopUsable(shop) {
			return ErrShopInactive
		}
		customer, err := dir.Customer(ctx, session.CustomerAddress)
		if err != nil {
			return err
		}
		if !directory.CustomerUsable(customer) {
			return ErrCustomerSuspended
		}

		book := ledger.New(tx).WithClock(e.now)
		shopBalance, err := book.DebitShop(ctx, session.ShopID, session.Amount)
		if err != nil {
			return err
		}
		customerBalance, err := book.DebitCustomer(ctx, session.CustomerAddress, session.Amount)
		if err != nil {
			return err
		}

		record := models.Transaction{
			ID:                   uuid.New(),
			Type:                 models.TransactionTypeRedeem,
			SessionID:            session.ID,
			ShopID:               session.ShopID,
			CustomerAddress:      session.CustomerAddress,
			Amount:               session.Amount,
			ShopBalanceAfter:     shopBalance,
			CustomerBalanceAfter: customerBalance,
			CreatedAt:            now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if _, err := store.Transition(ctx, session.ID, models.StatusApproved, models.StatusUsed, now, actor, sessions.WithTransactionID(record.ID)); err != nil {
			return err
		}
		result = resultOf(record, false)
		return nil
	})
	if expired {
		return Result{}, sessions.ErrSessionExpired
	}
	if err != nil {
		// A concurrent settlement committed first; report its outcome.
		if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, sessions.ErrStaleTransition) {
			var session models.RedemptionSession
			if loadErr := e.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; loadErr == nil && session.Status == models.StatusUsed {
				return recorded(e.db.WithContext(ctx), session)
			}
		}
		return Result{}, err
	}
	return result, nil
}

func recorded(db *gorm.DB, session models.RedemptionSession) (Result, error) {
	var record models.Transaction
	if err := db.First(&record, "session_id = ?", session.ID).Error; err != nil {
		return Result{}, fmt.Errorf("load recorded transaction: %w", err)
	}
	return resultOf(record, true), nil
}

func resultOf(record models.Transaction, replayed bool) Result {
	return Result{
		SessionID:          record.SessionID,
		TransactionID:      record.ID,
		Amount:             record.Amount,
		NewShopBalance:     record.ShopBalanceAfter,
		NewCustomerBalance: record.CustomerBalanceAfter,
		SettledAt:          record.CreatedAt,
		Replayed:           replayed,
	}
}

func outcomeOf(result Result, err error) string {
	switch {
	case err == nil && result.Replayed:
		return "replayed"
	case err == nil:
		return "settled"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, sessions.ErrSessionExpired):
		return "expired"
	case errors.Is(err, ErrShopInactive), errors.Is(err, ErrCustomerSuspended):
		return "inactive_party"
	case errors.Is(err, sessions.ErrInvalidTransition), errors.Is(err, sessions.ErrNotParty), errors.Is(err, sessions.ErrNotFound):
		return "rejected"
	}
	return "error"
}
