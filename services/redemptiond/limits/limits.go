// Package limits computes how much RCN a customer may redeem at a shop.
package limits

import "github.com/shopspring/decimal"

// CrossShopRatio caps redemptions away from a home shop at 20% of lifetime earnings.
var CrossShopRatio = decimal.RequireFromString("0.20")

// ComputeMaxRedeemable returns the largest amount redeemable at a shop. Home
// shops allow the full balance; any other shop is capped at CrossShopRatio of
// lifetime earnings. Negative inputs are treated as zero.
func ComputeMaxRedeemable(balance, lifetimeEarnings decimal.Decimal, isHomeShop bool) decimal.Decimal {
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	if isHomeShop {
		return balance
	}
	if lifetimeEarnings.IsNegative() {
		lifetimeEarnings = decimal.Zero
	}
	return decimal.Min(balance, lifetimeEarnings.Mul(CrossShopRatio))
}

// Quote bundles the limit inputs with the computed maximum.
type Quote struct {
	CustomerAddress  string          `json:"customerAddress"`
	ShopID           string          `json:"shopId"`
	Balance          decimal.Decimal `json:"balance"`
	LifetimeEarnings decimal.Decimal `json:"lifetimeEarnings"`
	IsHomeShop       bool            `json:"isHomeShop"`
	MaxRedeemable    decimal.Decimal `json:"maxRedeemable"`
	// ShopBalance is the shop's inventory; settlement fails when it is short.
	ShopBalance decimal.Decimal `json:"shopBalance"`
}

// NewQuote computes the limit for the supplied balances.
func NewQuote(customer, shopID string, balance, lifetimeEarnings decimal.Decimal, isHomeShop bool) Quote {
	return Quote{
		CustomerAddress:  customer,
		ShopID:           shopID,
		Balance:          balance,
		LifetimeEarnings: lifetimeEarnings,
		IsHomeShop:       isHomeShop,
		MaxRedeemable:    ComputeMaxRedeemable(balance, lifetimeEarnings, isHomeShop),
	}
}

// Allows reports whether amount fits within the quoted maximum.
func (q Quote) Allows(amount decimal.Decimal) bool {
	return amount.LessThanOrEqual(q.MaxRedeemable)
}
