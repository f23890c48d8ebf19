package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"repaircoin/services/redemptiond/ledger"
	"repaircoin/services/redemptiond/models"
	"repaircoin/services/redemptiond/sessions"
	"repaircoin/services/redemptiond/storage"
)

const (
	customerAddr = "0x1111111111111111111111111111111111111111"
	shopID       = "shop-1"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fixture struct {
	db    *gorm.DB
	store *sessions.Store
	exec  *Executor
	now   time.Time
}

func newFixture(t *testing.T, shopBalance, customerBalance string) *fixture {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	require.NoError(t, db.Create(&models.Shop{ShopID: shopID, Active: true, Verified: true, PurchasedRcnBalance: d(shopBalance)}).Error)
	require.NoError(t, db.Create(&models.Customer{Address: customerAddr, Active: true, CurrentBalance: d(customerBalance), LifetimeEarnings: d(customerBalance)}).Error)
	f := &fixture{db: db, now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.store = sessions.NewStore(db).WithClock(clock)
	f.exec = NewExecutor(db, WithClock(clock))
	return f
}

func (f *fixture) approved(t *testing.T, amount string) models.RedemptionSession {
	t.Helper()
	ctx := context.Background()
	s, err := f.store.Create(ctx, customerAddr, shopID, d(amount), 5*time.Minute, sessions.ShopActor(shopID))
	require.NoError(t, err)
	s, err = f.store.Transition(ctx, s.ID, models.StatusPending, models.StatusApproved, f.now, sessions.CustomerActor(customerAddr))
	require.NoError(t, err)
	return s
}

func (f *fixture) shop(t *testing.T) models.Shop {
	t.Helper()
	var shop models.Shop
	require.NoError(t, f.db.First(&shop, "shop_id = ?", shopID).Error)
	return shop
}

func (f *fixture) customer(t *testing.T) models.Customer {
	t.Helper()
	var c models.Customer
	require.NoError(t, f.db.First(&c, "address = ?", customerAddr).Error)
	return c
}

func (f *fixture) transactions(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.Transaction{}).Count(&n).Error)
	return n
}

func TestSecondSettlementFailsWhenShopBalanceRunsOut(t *testing.T) {
	f := newFixture(t, "20", "100")
	ctx := context.Background()
	first := f.approved(t, "15")
	second := f.approved(t, "15")

	res, err := f.exec.Settle(ctx, first.ID, sessions.ShopActor(shopID))
	require.NoError(t, err)
	require.True(t, res.NewShopBalance.Equal(d("5")), "shop balance %s", res.NewShopBalance)
	require.True(t, res.NewCustomerBalance.Equal(d("85")))

	_, err = f.exec.Settle(ctx, second.ID, sessions.ShopActor(shopID))
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, ledger.PartyShop, insufficient.Party)
	require.True(t, insufficient.Available.Equal(d("5")))

	require.True(t, f.shop(t).PurchasedRcnBalance.Equal(d("5")))
	require.EqualValues(t, 1, f.transactions(t))
	s, err := f.store.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, s.Status)
}

func TestConcurrentSettlementIsExactlyOnce(t *testing.T) {
	f := newFixture(t, "100", "100")
	session := f.approved(t, "30")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []Result
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.exec.Settle(context.Background(), session.ID, sessions.ShopActor(shopID))
			if err != nil {
				t.Errorf("settle: %v", err)
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, results, 8)
	fresh := 0
	for _, res := range results {
		require.Equal(t, results[0].TransactionID, res.TransactionID)
		if !res.Replayed {
			fresh++
		}
	}
	require.Equal(t, 1, fresh)
	require.EqualValues(t, 1, f.transactions(t))
	require.True(t, f.shop(t).PurchasedRcnBalance.Equal(d("70")))
	require.True(t, f.customer(t).CurrentBalance.Equal(d("70")))
}

func TestConcurrentSettlementsNeverOverdrawShop(t *testing.T) {
	f := newFixture(t, "50", "1000")
	ids := make([]uuid.UUID, 0, 6)
	for i := 0; i < 6; i++ {
		// Each session needs its own pair slot, so approve before opening the next.
		ids = append(ids, f.approved(t, "12").ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := f.exec.Settle(context.Background(), id, sessions.ShopActor(shopID))
			if err != nil && !errors.Is(err, ledger.ErrInsufficientBalance) {
				t.Errorf("settle: %v", err)
			}
		}(id)
	}
	wg.Wait()

	require.EqualValues(t, 4, f.transactions(t))
	require.True(t, f.shop(t).PurchasedRcnBalance.Equal(d("2")))
}

func TestCustomerShortfallRollsBackShopDebit(t *testing.T) {
	f := newFixture(t, "100", "10")
	session := f.approved(t, "25")

	_, err := f.exec.Settle(context.Background(), session.ID, sessions.ShopActor(shopID))
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, ledger.PartyCustomer, insufficient.Party)

	shop := f.shop(t)
	require.True(t, shop.PurchasedRcnBalance.Equal(d("100")), "shop debit leaked: %s", shop.PurchasedRcnBalance)
	require.True(t, shop.TotalRedemptions.IsZero())
	require.EqualValues(t, 0, f.transactions(t))
}

func TestSettleExpiredApprovedSession(t *testing.T) {
	f := newFixture(t, "100", "100")
	session := f.approved(t, "10")
	f.now = f.now.Add(10 * time.Minute)

	_, err := f.exec.Settle(context.Background(), session.ID, sessions.ShopActor(shopID))
	require.ErrorIs(t, err, sessions.ErrSessionExpired)

	s, err := f.store.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusExpired, s.Status)
	require.True(t, f.shop(t).PurchasedRcnBalance.Equal(d("100")))

	_, err = f.exec.Settle(context.Background(), session.ID, sessions.ShopActor(shopID))
	require.ErrorIs(t, err, sessions.ErrSessionExpired)
	require.ErrorIs(t, err, sessions.ErrInvalidTransition)
}

func TestSettleRevalidatesParties(t *testing.T) {
	f := newFixture(t, "100", "100")
	ctx := context.Background()
	session := f.approved(t, "10")

	require.NoError(t, f.db.Model(&models.Shop{}).Where("shop_id = ?", shopID).Update("verified", false).Error)
	_, err := f.exec.Settle(ctx, session.ID, sessions.ShopActor(shopID))
	require.ErrorIs(t, err, ErrShopInactive)

	require.NoError(t, f.db.Model(&models.Shop{}).Where("shop_id = ?", shopID).Update("verified", true).Error)
	require.NoError(t, f.db.Model(&models.Customer{}).Where("address = ?", customerAddr).Update("suspended", true).Error)
	_, err = f.exec.Settle(ctx, session.ID, sessions.ShopActor(shopID))
	require.ErrorIs(t, err, ErrCustomerSuspended)

	require.EqualValues(t, 0, f.transactions(t))
}

func TestSettleRequiresApprovalAndShop(t *testing.T) {
	f := newFixture(t, "100", "100")
	ctx := context.Background()
	pending, err := f.store.Create(ctx, customerAddr, shopID, d("5"), time.Minute, sessions.ShopActor(shopID))
	require.NoError(t, err)

	_, err = f.exec.Settle(ctx, pending.ID, sessions.ShopActor(shopID))
	require.ErrorIs(t, err, sessions.ErrInvalidTransition)

	_, err = f.exec.Settle(ctx, pending.ID, sessions.ShopActor("shop-2"))
	require.ErrorIs(t, err, sessions.ErrNotParty)

	_, err = f.exec.Settle(ctx, uuid.New(), sessions.ShopActor(shopID))
	require.ErrorIs(t, err, sessions.ErrNotFound)
}

func TestSettleLinksTransactionAndReplays(t *testing.T) {
	f := newFixture(t, "100", "100")
	session := f.approved(t, "10")
	res, err := f.exec.Settle(context.Background(), session.ID, sessions.System)
	require.NoError(t, err)
	require.False(t, res.Replayed)

	got, err := f.exec.Settle(context.Background(), session.ID, sessions.ShopActor(session.ShopID))
	require.NoError(t, err)
	require.Equal(t, res.TransactionID, got.TransactionID)
	require.True(t, got.Replayed)

	used, err := f.store.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusUsed, used.Status)
	require.NotNil(t, used.TransactionID)
	require.Equal(t, res.TransactionID, *used.TransactionID)
}
