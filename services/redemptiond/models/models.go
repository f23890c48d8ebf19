package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Principal roles carried in bearer tokens.
const (
	RoleShop     = "shop"
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// SessionStatus is the lifecycle state of a redemption session.
type SessionStatus string

// All session states.
const (
	StatusPending   SessionStatus = "pending"
	StatusApproved  SessionStatus = "approved"
	StatusRejected  SessionStatus = "rejected"
	StatusCancelled SessionStatus = "cancelled"
	StatusExpired   SessionStatus = "expired"
	StatusUsed      SessionStatus = "used"
)

// Terminal reports whether no further transition may leave the state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusExpired, StatusUsed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled, StatusExpired, StatusUsed:
		return true
	}
	return false
}

// TransactionTypeRedeem marks redemption ledger records.
const TransactionTypeRedeem = "redeem"

// Shop holds a shop's purchased RCN inventory and issuance statistics.
type Shop struct {
	ShopID              string          `gorm:"primaryKey;size:64" json:"shopId"`
	Name                string          `gorm:"size:255" json:"name"`
	WalletAddress       string          `gorm:"size:42;index" json:"walletAddress"`
	Active              bool            `gorm:"not null" json:"active"`
	Verified            bool            `gorm:"not null;default:false" json:"verified"`
	PurchasedRcnBalance decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"purchasedRcnBalance"`
	TotalTokensIssued   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"totalTokensIssued"`
	TotalRedemptions    decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"totalRedemptions"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Customer holds a wallet's earned and spendable RCN.
type Customer struct {
	Address          string          `gorm:"primaryKey;size:42" json:"address"`
	Name             string          `gorm:"size:255" json:"name,omitempty"`
	LifetimeEarnings decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"lifetimeEarnings"`
	CurrentBalance   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"currentBalance"`
	TotalRedemptions decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"totalRedemptions"`
	Active           bool            `gorm:"not null" json:"active"`
	Suspended        bool            `gorm:"not null;default:false" json:"suspended"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// CustomerShopEarning accumulates what a customer earned at a shop. A positive
// amount makes the shop one of the customer's home shops.
type CustomerShopEarning struct {
	ID              uint            `gorm:"primaryKey"`
	CustomerAddress string          `gorm:"size:42;not null;uniqueIndex:idx_earning_pair"`
	ShopID          string          `gorm:"size:64;not null;uniqueIndex:idx_earning_pair"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RedemptionSession is a shop's proposed redemption awaiting the customer's decision.
type RedemptionSession struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"sessionId"`
	CustomerAddress string          `gorm:"size:42;not null;index:idx_session_customer;uniqueIndex:idx_session_pending_pair,where:status = 'pending'" json:"customerAddress"`
	ShopID          string          `gorm:"size:64;not null;index:idx_session_shop;uniqueIndex:idx_session_pending_pair,where:status = 'pending'" json:"shopId"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"amount"`
	Status          SessionStatus   `gorm:"size:16;not null;index" json:"status"`
	CreatedAt       time.Time       `gorm:"not null" json:"createdAt"`
	ExpiresAt       time.Time       `gorm:"not null;index" json:"expiresAt"`
	ApprovedAt      *time.Time      `json:"approvedAt,omitempty"`
	RejectedAt      *time.Time      `json:"rejectedAt,omitempty"`
	CancelledAt     *time.Time      `json:"cancelledAt,omitempty"`
	ExpiredAt       *time.Time      `json:"expiredAt,omitempty"`
	UsedAt          *time.Time      `json:"usedAt,omitempty"`
	TransactionID   *uuid.UUID      `gorm:"type:uuid" json:"transactionId,omitempty"`
	ApprovalProof   string          `gorm:"type:text" json:"-"`
}

// Transaction is the immutable record of a settled redemption.
type Transaction struct {
	ID                   uuid.UUID       `gorm:"type:uuid;primaryKey" json:"transactionId"`
	Type                 string          `gorm:"size:16;not null;index" json:"type"`
	SessionID            uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex" json:"sessionId"`
	ShopID               string          `gorm:"size:64;not null;index" json:"shopId"`
	CustomerAddress      string          `gorm:"size:42;not null;index" json:"customerAddress"`
	Amount               decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"amount"`
	ShopBalanceAfter     decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"shopBalanceAfter"`
	CustomerBalanceAfter decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"customerBalanceAfter"`
	CreatedAt            time.Time       `gorm:"not null;index" json:"createdAt"`
}

// SessionEvent is the audit trail of session transitions.
type SessionEvent struct {
	ID         uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID  uuid.UUID     `gorm:"type:uuid;not null;index" json:"sessionId"`
	FromStatus SessionStatus `gorm:"size:16" json:"from,omitempty"`
	ToStatus   SessionStatus `gorm:"size:16;not null" json:"to"`
	Actor      string        `gorm:"size:64" json:"actor"`
	CreatedAt  time.Time     `json:"at"`
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:128"`
	Principal   string `gorm:"primaryKey;size:128"`
	RequestHash string `gorm:"size:64;not null"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Shop{},
		&Customer{},
		&CustomerShopEarning{},
		&RedemptionSession{},
		&Transaction{},
		&SessionEvent{},
		&IdempotencyKey{},
	)
}
