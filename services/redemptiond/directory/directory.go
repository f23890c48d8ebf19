// Package directory reads the customer and shop records the redemption
// protocol depends on but does not own.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"repaircoin/services/redemptiond/ledger"
	"repaircoin/services/redemptiond/models"
)

var (
	ErrCustomerNotFound = errors.New("directory: customer not found")
	ErrShopNotFound     = errors.New("directory: shop not found")
)

// Directory is the lookup surface over the shared customer and shop tables.
type Directory interface {
	IsHomeShop(ctx context.Context, customer, shopID string) (bool, error)
	Customer(ctx context.Context, address string) (models.Customer, error)
	Shop(ctx context.Context, shopID string) (models.Shop, error)
	IsShopActiveAndVerified(ctx context.Context, shopID string) (bool, error)
	IsCustomerActive(ctx context.Context, address string) (bool, error)
}

// Store implements Directory over gorm.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a gorm-backed directory.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// IsHomeShop reports whether the customer has ever earned RCN at the shop.
func (s *Store) IsHomeShop(ctx context.Context, customer, shopID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.CustomerShopEarning{}).
		Where("customer_address = ? AND shop_id = ? AND amount > ?", ledger.NormalizeAddress(customer), shopID, decimal.Zero).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("home shop lookup: %w", err)
	}
	return count > 0, nil
}

func (s *Store) Customer(ctx context.Context, address string) (models.Customer, error) {
	var customer models.Customer
	if err := s.db.WithContext(ctx).First(&customer, "address = ?", ledger.NormalizeAddress(address)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return customer, ErrCustomerNotFound
		}
		return customer, fmt.Errorf("load customer: %w", err)
	}
	return customer, nil
}

func (s *Store) Shop(ctx context.Context, shopID string) (models.Shop, error) {
	var shop models.Shop
	if err := s.db.WithContext(ctx).First(&shop, "shop_id = ?", shopID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return shop, ErrShopNotFound
		}
		return shop, fmt.Errorf("load shop: %w", err)
	}
	return shop, nil
}

func (s *Store) IsShopActiveAndVerified(ctx context.Context, shopID string) (bool, error) {
	shop, err := s.Shop(ctx, shopID)
	if err != nil {
		return false, err
	}
	return ShopUsable(shop), nil
}

func (s *Store) IsCustomerActive(ctx context.Context, address string) (bool, error) {
	customer, err := s.Customer(ctx, address)
	if err != nil {
		return false, err
	}
	return CustomerUsable(customer), nil
}

// ShopUsable reports whether a shop may take part in redemptions.
func ShopUsable(shop models.Shop) bool {
	return shop.Active && shop.Verified
}

// CustomerUsable reports whether a customer may redeem.
func CustomerUsable(customer models.Customer) bool {
	return customer.Active && !customer.Suspended
}
