package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"repaircoin/services/redemptiond/models"
	"repaircoin/services/redemptiond/storage"
)

const customerAddr = "0x1111111111111111111111111111111111111111"

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	require.NoError(t, db.Create(&models.Shop{ShopID: "shop-1", Active: true, Verified: true, PurchasedRcnBalance: d("100")}).Error)
	require.NoError(t, db.Create(&models.Customer{Address: customerAddr, Active: true, CurrentBalance: d("50"), LifetimeEarnings: d("80")}).Error)
	return db
}

func TestDebitShop(t *testing.T) {
	db := setupDB(t)
	l := New(db)
	ctx := context.Background()

	bal, err := l.DebitShop(ctx, "shop-1", d("30"))
	require.NoError(t, err)
	require.True(t, bal.Equal(d("70")), "balance %s", bal)

	_, err = l.DebitShop(ctx, "shop-1", d("70.5"))
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, PartyShop, insufficient.Party)
	require.True(t, insufficient.Available.Equal(d("70")))
	require.True(t, insufficient.Required.Equal(d("70.5")))

	var shop models.Shop
	require.NoError(t, db.First(&shop, "shop_id = ?", "shop-1").Error)
	require.True(t, shop.PurchasedRcnBalance.Equal(d("70")))
	require.True(t, shop.TotalRedemptions.Equal(d("30")))

	_, err = l.DebitShop(ctx, "missing", d("1"))
	require.ErrorIs(t, err, ErrShopNotFound)
	_, err = l.DebitShop(ctx, "shop-1", decimal.Zero)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDebitCustomerNormalisesAddress(t *testing.T) {
	db := setupDB(t)
	l := New(db)

	bal, err := l.DebitCustomer(context.Background(), "  0x1111111111111111111111111111111111111111 ", d("20"))
	require.NoError(t, err)
	require.True(t, bal.Equal(d("30")))

	_, err = l.DebitCustomer(context.Background(), customerAddr, d("31"))
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, PartyCustomer, insufficient.Party)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	db := setupDB(t)
	l := New(db)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.DebitShop(context.Background(), "shop-1", d("15"))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 6, succeeded)
	var shop models.Shop
	require.NoError(t, db.First(&shop, "shop_id = ?", "shop-1").Error)
	require.True(t, shop.PurchasedRcnBalance.Equal(d("10")), "balance %s", shop.PurchasedRcnBalance)
}

func TestIssueRewardCreditsCustomerAndEarning(t *testing.T) {
	db := setupDB(t)
	l := New(db)
	ctx := context.Background()
	newcomer := "0x2222222222222222222222222222222222222222"

	res, err := l.IssueReward(ctx, "shop-1", newcomer, d("25"))
	require.NoError(t, err)
	require.True(t, res.ShopBalance.Equal(d("75")))
	require.True(t, res.CustomerBalance.Equal(d("25")))

	res, err = l.IssueReward(ctx, "shop-1", newcomer, d("5"))
	require.NoError(t, err)
	require.True(t, res.LifetimeEarnings.Equal(d("30")))

	var earning models.CustomerShopEarning
	require.NoError(t, db.First(&earning, "customer_address = ? AND shop_id = ?", newcomer, "shop-1").Error)
	require.True(t, earning.Amount.Equal(d("30")), "earning %s", earning.Amount)

	var shop models.Shop
	require.NoError(t, db.First(&shop, "shop_id = ?", "shop-1").Error)
	require.True(t, shop.TotalTokensIssued.Equal(d("30")))

	_, err = l.IssueReward(ctx, "shop-1", newcomer, d("500"))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	bal, err := l.Balances(ctx, "shop-1", newcomer)
	require.NoError(t, err)
	require.True(t, bal.ShopBalance.Equal(d("70")))
	require.True(t, bal.CustomerBalance.Equal(d("30")))
}

func TestCreditShopPurchase(t *testing.T) {
	db := setupDB(t)
	l := New(db)

	bal, err := l.CreditShopPurchase(context.Background(), "shop-1", d("12.5"))
	require.NoError(t, err)
	require.True(t, bal.Equal(d("112.5")))

	_, err = l.CreditShopPurchase(context.Background(), "nope", d("1"))
	require.ErrorIs(t, err, ErrShopNotFound)
}

// A writer that commits between the ledger's read and its write must not be
// overwritten: the debit re-checks the balance in the UPDATE itself.
func TestDebitRechecksBalanceAgainstInterleavedWriter(t *testing.T) {
	db := setupDB(t)
	var once sync.Once
	err := db.Callback().Update().Before("gorm:update").Register("test:interleaved_settlement", func(tx *gorm.DB) {
		if tx.Statement.Schema == nil || tx.Statement.Schema.Table != "shops" {
			return
		}
		once.Do(func() {
			res := tx.Session(&gorm.Session{NewDB: true}).
				Exec("UPDATE shops SET purchased_rcn_balance = purchased_rcn_balance - ? WHERE shop_id = ?", d("60"), "shop-1")
			require.NoError(t, res.Error)
			require.EqualValues(t, 1, res.RowsAffected)
		})
	})
	require.NoError(t, err)

	_, err = New(db).DebitShop(context.Background(), "shop-1", d("60"))
	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	require.True(t, insufficient.Available.Equal(d("40")), "available %s", insufficient.Available)

	var shop models.Shop
	require.NoError(t, db.First(&shop, "shop_id = ?", "shop-1").Error)
	require.True(t, shop.PurchasedRcnBalance.Equal(d("40")), "balance %s", shop.PurchasedRcnBalance)
	require.True(t, shop.TotalRedemptions.IsZero())
}
