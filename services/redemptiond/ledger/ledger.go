// Package ledger owns the RCN balances of shops and customers. Every mutation
// is a single conditional UPDATE so the balance check and the write cannot be
// separated by a concurrent writer.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"repaircoin/services/redemptiond/models"
)

var (
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrShopNotFound        = errors.New("ledger: shop not found")
	ErrCustomerNotFound    = errors.New("ledger: customer not found")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

// Party identifies which side of a redemption a balance belongs to.
type Party string

const (
	PartyShop     Party = "shop"
	PartyCustomer Party = "customer"
)

// InsufficientBalanceError carries the figures a caller needs to offer a
// smaller amount.
type InsufficientBalanceError struct {
	Party     Party
	ID        string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %s, available %s", e.Party, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Balances is a point-in-time read of both sides of a redemption.
type Balances struct {
	ShopBalance      decimal.Decimal `json:"shopBalance"`
	CustomerBalance  decimal.Decimal `json:"customerBalance"`
	LifetimeEarnings decimal.Decimal `json:"lifetimeEarnings"`
}

// RewardResult reports balances after a reward issuance.
type RewardResult struct {
	ShopBalance      decimal.Decimal `json:"shopBalance"`
	CustomerBalance  decimal.Decimal `json:"customerBalance"`
	LifetimeEarnings decimal.Decimal `json:"lifetimeEarnings"`
}

// Ledger mutates balances through the supplied gorm handle, which may be an
// open transaction (see WithTx).
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a ledger bound to db.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a ledger whose statements run inside tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx, now: l.now}
}

// WithClock overrides the timestamp source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	return &Ledger{db: l.db, now: now}
}

// DebitShop removes amount from a shop's purchased RCN inventory and adds it to
// the shop's redemption statistics. It returns the new inventory balance.
func (l *Ledger) DebitShop(ctx context.Context, shopID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	res := l.db.WithContext(ctx).Model(&models.Shop{}).
		Where("shop_id = ? AND purchased_rcn_balance >= ?", shopID, amount).
		Updates(map[string]any{
			"purchased_rcn_balance": gorm.Expr("purchased_rcn_balance - ?", amount),
			"total_redemptions":     gorm.Expr("total_redemptions + ?", amount),
			"updated_at":            l.now(),
		})
	if res.Error != nil {
		return decimal.Zero, fmt.Errorf("debit shop: %w", res.Error)
	}
	shop, err := l.shop(ctx, shopID)
	if err != nil {
		return decimal.Zero, err
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, &InsufficientBalanceError{Party: PartyShop, ID: shopID, Required: amount, Available: shop.PurchasedRcnBalance}
	}
	return shop.PurchasedRcnBalance, nil
}

// DebitCustomer retires amount from a customer's spendable balance. It returns
// the new spendable balance.
func (l *Ledger) DebitCustomer(ctx context.Context, address string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	address = NormalizeAddress(address)
	res := l.db.WithContext(ctx).Model(&models.Customer{}).
		Where("address = ? AND current_balance >= ?", address, amount).
		Updates(map[string]any{
			"current_balance":   gorm.Expr("current_balance - ?", amount),
			"total_redemptions": gorm.Expr("total_redemptions + ?", amount),
			"updated_at":        l.now(),
		})
	if res.Error != nil {
		return decimal.Zero, fmt.Errorf("debit customer: %w", res.Error)
	}
	customer, err := l.customer(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, &InsufficientBalanceError{Party: PartyCustomer, ID: address, Required: amount, Available: customer.CurrentBalance}
	}
	return customer.CurrentBalance, nil
}

// CreditShopPurchase adds purchased RCN to a shop's inventory.
func (l *Ledger) CreditShopPurchase(ctx context.Context, shopID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	res := l.db.WithContext(ctx).Model(&models.Shop{}).
		Where("shop_id = ?", shopID).
		Updates(map[string]any{
			"purchased_rcn_balance": gorm.Expr("purchased_rcn_balance + ?", amount),
			"updated_at":            l.now(),
		})
	if res.Error != nil {
		return decimal.Zero, fmt.Errorf("credit shop: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return decimal.Zero, ErrShopNotFound
	}
	shop, err := l.shop(ctx, shopID)
	if err != nil {
		return decimal.Zero, err
	}
	return shop.PurchasedRcnBalance, nil
}

// IssueReward moves amount from a shop's inventory to a customer as earned RCN.
// The shop becomes one of the customer's home shops.
func (l *Ledger) IssueReward(ctx context.Context, shopID, address string, amount decimal.Decimal) (RewardResult, error) {
	if !amount.IsPositive() {
		return RewardResult{}, ErrInvalidAmount
	}
	address = NormalizeAddress(address)
	var result RewardResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now()
		res := tx.Model(&models.Shop{}).
			Where("shop_id = ? AND purchased_rcn_balance >= ?", shopID, amount).
			Updates(map[string]any{
				"purchased_rcn_balance": gorm.Expr("purchased_rcn_balance - ?", amount),
				"total_tokens_issued":   gorm.Expr("total_tokens_issued + ?", amount),
				"updated_at":            now,
			})
		if res.Error != nil {
			return fmt.Errorf("debit shop inventory: %w", res.Error)
		}
		inner := l.WithTx(tx)
		shop, err := inner.shop(ctx, shopID)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return &InsufficientBalanceError{Party: PartyShop, ID: shopID, Required: amount, Available: shop.PurchasedRcnBalance}
		}

		seed := models.Customer{Address: address, Active: true, CreatedAt: now, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return fmt.Errorf("ensure customer: %w", err)
		}
		res = tx.Model(&models.Customer{}).
			Where("address = ?", address).
			Updates(map[string]any{
				"current_balance":   gorm.Expr("current_balance + ?", amount),
				"lifetime_earnings": gorm.Expr("lifetime_earnings + ?", amount),
				"updated_at":        now,
			})
		if res.Error != nil {
			return fmt.Errorf("credit customer: %w", res.Error)
		}

		earning := models.CustomerShopEarning{CustomerAddress: address, ShopID: shopID, Amount: amount, CreatedAt: now, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "customer_address"}, {Name: "shop_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"amount":     gorm.Expr("customer_shop_earnings.amount + excluded.amount"),
				"updated_at": now,
			}),
		}).Create(&earning).Error; err != nil {
			return fmt.Errorf("record earning: %w", err)
		}

		customer, err := inner.customer(ctx, address)
		if err != nil {
			return err
		}
		result = RewardResult{
			ShopBalance:      shop.PurchasedRcnBalance,
			CustomerBalance:  customer.CurrentBalance,
			LifetimeEarnings: customer.LifetimeEarnings,
		}
		return nil
	})
	if err != nil {
		return RewardResult{}, err
	}
	return result, nil
}

// Balances reads both sides of a prospective redemption.
func (l *Ledger) Balances(ctx context.Context, shopID, address string) (Balances, error) {
	shop, err := l.shop(ctx, shopID)
	if err != nil {
		return Balances{}, err
	}
	customer, err := l.customer(ctx, NormalizeAddress(address))
	if err != nil {
		return Balances{}, err
	}
	return Balances{
		ShopBalance:      shop.PurchasedRcnBalance,
		CustomerBalance:  customer.CurrentBalance,
		LifetimeEarnings: customer.LifetimeEarnings,
	}, nil
}

func (l *Ledger) shop(ctx context.Context, shopID string) (models.Shop, error) {
	var shop models.Shop
	if err := l.db.WithContext(ctx).First(&shop, "shop_id = ?", shopID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return shop, ErrShopNotFound
		}
		return shop, fmt.Errorf("load shop: %w", err)
	}
	return shop, nil
}

func (l *Ledger) customer(ctx context.Context, address string) (models.Customer, error) {
	var customer models.Customer
	if err := l.db.WithContext(ctx).First(&customer, "address = ?", address).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return customer, ErrCustomerNotFound
		}
		return customer, fmt.Errorf("load customer: %w", err)
	}
	return customer, nil
}

// NormalizeAddress canonicalises a wallet address for storage and comparison.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
