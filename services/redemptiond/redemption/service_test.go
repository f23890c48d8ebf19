package redemption

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"repaircoin/services/redemptiond/approval"
	"repaircoin/services/redemptiond/ledger"
	"repaircoin/services/redemptiond/models"
	"repaircoin/services/redemptiond/notify"
	"repaircoin/services/redemptiond/sessions"
	"repaircoin/services/redemptiond/storage"
)

const (
	homeShop   = "shop-home"
	crossShop  = "shop-cross"
	shopWallet = "0x9999999999999999999999999999999999999999"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	db       *gorm.DB
	svc      *Service
	clock    *testClock
	hub      *notify.Hub
	key      *ecdsa.PrivateKey
	customer string
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	customer := strings.ToLower(ethcrypto.PubkeyToAddress(key.PublicKey).Hex())

	for _, shop := range []models.Shop{
		{ShopID: homeShop, Active: true, Verified: true, PurchasedRcnBalance: d("500")},
		{ShopID: crossShop, WalletAddress: shopWallet, Active: true, Verified: true, PurchasedRcnBalance: d("20")},
	} {
		require.NoError(t, db.Create(&shop).Error)
	}
	require.NoError(t, db.Create(&models.Customer{Address: customer, Active: true}).Error)
	// Earning 200 at the home shop leaves the customer with 200 to spend.
	_, err = ledger.New(db).IssueReward(context.Background(), homeShop, customer, d("200"))
	require.NoError(t, err)

	h := &harness{db: db, clock: &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}, hub: notify.NewHub(), key: key, customer: customer}
	cfg := Config{DB: db, Now: h.clock.Now, TTL: 5 * time.Minute, Publisher: h.hub}
	if mutate != nil {
		mutate(&cfg)
	}
	h.svc, err = New(cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) setCustomerBalance(t *testing.T, balance string) {
	t.Helper()
	require.NoError(t, h.db.Model(&models.Customer{}).Where("address = ?", h.customer).Update("current_balance", d(balance)).Error)
}

func (h *harness) claim(t *testing.T, session models.RedemptionSession) approval.Claim {
	t.Helper()
	sig, err := approval.Sign(h.key, approval.BindingFor(session))
	require.NoError(t, err)
	return approval.Claim{Amount: session.Amount, ExpiresAt: session.ExpiresAt, Proof: sig}
}

func (h *harness) shopBalance(t *testing.T, shopID string) decimal.Decimal {
	t.Helper()
	var shop models.Shop
	require.NoError(t, h.db.First(&shop, "shop_id = ?", shopID).Error)
	return shop.PurchasedRcnBalance
}

func TestCrossShopLimitRejectsBeforeCreation(t *testing.T) {
	h := newHarness(t, nil)
	h.setCustomerBalance(t, "100")
	ctx := context.Background()

	quote, err := h.svc.Quote(ctx, crossShop, h.customer)
	require.NoError(t, err)
	require.False(t, quote.IsHomeShop)
	require.True(t, quote.MaxRedeemable.Equal(d("40")), "max %s", quote.MaxRedeemable)

	_, err = h.svc.Create(ctx, crossShop, h.customer, d("50"))
	var exceeded *ExceedsMaxRedeemableError
	require.ErrorAs(t, err, &exceeded)
	require.True(t, exceeded.Max.Equal(d("40")))
	require.True(t, exceeded.Requested.Equal(d("50")))
	require.Equal(t, CodeExceedsMaxRedeemable, Code(err))

	views, err := h.svc.ListForCustomer(ctx, h.customer, "")
	require.NoError(t, err)
	require.Empty(t, views)

	homeQuote, err := h.svc.Quote(ctx, homeShop, h.customer)
	require.NoError(t, err)
	require.True(t, homeQuote.IsHomeShop)
	require.True(t, homeQuote.MaxRedeemable.Equal(d("100")))
}

func TestApproveAfterExpiryFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session, err := h.svc.Create(ctx, homeShop, h.customer, d("10"))
	require.NoError(t, err)
	claim := h.claim(t, session)

	h.clock.Advance(6 * time.Minute)
	_, err = h.svc.Approve(ctx, h.customer, session.ID, claim)
	require.ErrorIs(t, err, sessions.ErrSessionExpired)
	require.Equal(t, CodeSessionExpired, Code(err))

	require.True(t, h.shopBalance(t, homeShop).Equal(d("300")))
	view, err := h.svc.Get(ctx, sessions.CustomerActor(h.customer), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusExpired, view.Status)
	require.Equal(t, models.StatusExpired, view.RedemptionSession.Status)

	_, err = h.svc.Approve(ctx, h.customer, session.ID, claim)
	require.ErrorIs(t, err, sessions.ErrSessionExpired)
}

func TestApproveRefusedWhenTTLRunsOutMidRequest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session, err := h.svc.Create(ctx, homeShop, h.customer, d("10"))
	require.NoError(t, err)
	claim := h.claim(t, session)

	// The pre-check sees the last valid instant; the write happens a second later.
	var mu sync.Mutex
	calls := 0
	h.svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return session.ExpiresAt
		}
		return session.ExpiresAt.Add(time.Second)
	}

	_, err = h.svc.Approve(ctx, h.customer, session.ID, claim)
	require.ErrorIs(t, err, sessions.ErrSessionExpired)
	require.Equal(t, CodeSessionExpired, Code(err))

	var stored models.RedemptionSession
	require.NoError(t, h.db.First(&stored, "id = ?", session.ID).Error)
	require.Equal(t, models.StatusExpired, stored.Status)
	require.Nil(t, stored.ApprovedAt)
	require.Empty(t, stored.ApprovalProof)
}

func TestApprovalTokenOnlyWhilePending(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Verifier = approval.NewTokenVerifier([]byte("token-secret"))
	})
	ctx := context.Background()
	session, err := h.svc.Create(ctx, homeShop, h.customer, d("10"))
	require.NoError(t, err)
	token, err := h.svc.ApprovalToken(ctx, h.customer, session.ID)
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, h.customer, session.ID, approval.Claim{Amount: session.Amount, ExpiresAt: session.ExpiresAt, Proof: token})
	require.NoError(t, err)
	_, err = h.svc.ApprovalToken(ctx, h.customer, session.ID)
	require.ErrorIs(t, err, sessions.ErrInvalidTransition)
	require.Equal(t, CodeInvalidTransition, Code(err))

	other, err := h.svc.Create(ctx, crossShop, h.customer, d("5"))
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)
	_, err = h.svc.ApprovalToken(ctx, h.customer, other.ID)
	require.ErrorIs(t, err, sessions.ErrSessionExpired)
	require.Equal(t, CodeSessionExpired, Code(err))
}

func TestFundShopAndIssueReward(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	balance, err := h.svc.FundShop(ctx, crossShop, d("80"))
	require.NoError(t, err)
	require.True(t, balance.Equal(d("100")), "balance %s", balance)
	_, err = h.svc.FundShop(ctx, "missing", d("1"))
	require.Equal(t, CodeShopNotFound, Code(err))
	_, err = h.svc.FundShop(ctx, crossShop, d("0"))
	require.Equal(t, CodeInvalidAmount, Code(err))

	quote, err := h.svc.Quote(ctx, crossShop, h.customer)
	require.NoError(t, err)
	require.False(t, quote.IsHomeShop)
	require.True(t, quote.ShopBalance.Equal(d("100")))

	res, err := h.svc.IssueReward(ctx, crossShop, h.customer, d("30"))
	require.NoError(t, err)
	require.True(t, res.ShopBalance.Equal(d("70")))
	require.True(t, res.CustomerBalance.Equal(d("230")))
	require.True(t, res.LifetimeEarnings.Equal(d("230")))

	quote, err = h.svc.Quote(ctx, crossShop, h.customer)
	require.NoError(t, err)
	require.True(t, quote.IsHomeShop)
	require.True(t, quote.MaxRedeemable.Equal(d("230")))

	_, err = h.svc.IssueReward(ctx, crossShop, "not-a-wallet", d("1"))
	require.Equal(t, CodeInvalidAddress, Code(err))
	_, err = h.svc.IssueReward(ctx, crossShop, h.customer, d("1000"))
	require.Equal(t, CodeInsufficientBalance, Code(err))
}

func TestApproveAfterRejectIsInvalid(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session, err := h.svc.Create(ctx, homeShop, h.customer, d("10"))
	require.NoError(t, err)

	rejected, err := h.svc.Reject(ctx, h.customer, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRejected, rejected.Status)

	_, err = h.svc.Approve(ctx, h.customer, session.ID, h.claim(t, session))
	require.ErrorIs(t, err, sessions.ErrInvalidTransition)
	require.Equal(t, CodeInvalidTransition, Code(err))

	view, err := h.svc.Get(ctx, sessions.ShopActor(homeShop), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRejected, view.Status)
	require.Nil(t, view.ApprovedAt)
}

func TestFullRedemptionFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	events, cancel := h.hub.Subscribe(notify.Filter{CustomerAddress: h.customer})
	defer cancel()

	session, err := h.svc.Create(ctx, homeShop, h.customer, d("60"))
	require.NoError(t, err)

	view, err := h.svc.Get(ctx, sessions.CustomerActor(h.customer), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, view.Status)
	require.Equal(t, approval.BindingFor(session).Message(), view.ApprovalMessage)
	require.Empty(t, view.ApprovalToken)

	_, err = h.svc.Get(ctx, sessions.ShopActor(crossShop), session.ID)
	require.ErrorIs(t, err, sessions.ErrNotParty)

	res, err := h.svc.Approve(ctx, h.customer, session.ID, h.claim(t, session))
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, res.Session.Status)
	require.Nil(t, res.Settlement)

	settled, err := h.svc.Settle(ctx, homeShop, session.ID)
	require.NoError(t, err)
	require.True(t, settled.NewShopBalance.Equal(d("240")))
	require.True(t, settled.NewCustomerBalance.Equal(d("140")))

	again, err := h.svc.Settle(ctx, homeShop, session.ID)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, settled.TransactionID, again.TransactionID)

	var statuses []models.SessionStatus
	for len(events) > 0 {
		statuses = append(statuses, (<-events).Status)
	}
	require.Equal(t, []models.SessionStatus{models.StatusPending, models.StatusApproved, models.StatusUsed}, statuses)
}

func TestTwoSessionsAgainstSmallShopBalance(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.db.Model(&models.Shop{}).Where("shop_id = ?", homeShop).Update("purchased_rcn_balance", d("20")).Error)

	first, err := h.svc.Create(ctx, homeShop, h.customer, d("15"))
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, h.customer, first.ID, h.claim(t, first))
	require.NoError(t, err)
	second, err := h.svc.Create(ctx, homeShop, h.customer, d("15"))
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, h.customer, second.ID, h.claim(t, second))
	require.NoError(t, err)

	_, err = h.svc.Settle(ctx, homeShop, first.ID)
	require.NoError(t, err)
	_, err = h.svc.Settle(ctx, homeShop, second.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	require.Equal(t, CodeInsufficientBalance, Code(err))
	require.True(t, h.shopBalance(t, homeShop).Equal(d("5")))
}

func TestProofForOneSessionRejectedOnAnother(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a, err := h.svc.Create(ctx, homeShop, h.customer, d("10"))
	require.NoError(t, err)
	b, err := h.svc.Create(ctx, crossShop, h.customer, d("10"))
	require.NoError(t, err)

	claim := h.claim(t, a)
	claim.ExpiresAt = b.ExpiresAt
	_, err = h.svc.Approve(ctx, h.customer, b.ID, claim)
	require.ErrorIs(t, err, approval.ErrBindingMismatch)

	view, err := h.svc.Get(ctx, sessions.CustomerActor(h.customer), b.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, view.Status)
}

func TestOnlyTheSessionCustomerDecides(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session, err := h.svc.Create(ctx, homeShop, h.customer, d("10"))
	require.NoError(t, err)

	_, err = h.svc.Reject(ctx, "0x2222222222222222222222222222222222222222", session.ID)
	require.ErrorIs(t, err, sessions.ErrNotParty)
	_, err = h.svc.Approve(ctx, "0x2222222222222222222222222222222222222222", session.ID, h.claim(t, session))
	require.ErrorIs(t, err, sessions.ErrNotParty)
}

func TestCancelByShop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session, err := h.svc.Create(ctx, homeShop, h.customer, d("10"))
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, crossShop, session.ID)
	require.ErrorIs(t, err, sessions.ErrNotParty)

	cancelled, err := h.svc.Cancel(ctx, homeShop, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = h.svc.Approve(ctx, h.customer, session.ID, h.claim(t, session))
	require.ErrorIs(t, err, sessions.ErrInvalidTransition)

	// The pair is free again.
	_, err = h.svc.Create(ctx, homeShop, h.customer, d("10"))
	require.NoError(t, err)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, homeShop, "not-an-address", d("1"))
	require.ErrorIs(t, err, ErrInvalidAddress)
	_, err = h.svc.Create(ctx, homeShop, h.customer, d("0"))
	require.Equal(t, CodeInvalidAmount, Code(err))
	_, err = h.svc.Create(ctx, "missing", h.customer, d("1"))
	require.Equal(t, CodeShopNotFound, Code(err))
	_, err = h.svc.Create(ctx, homeShop, "0x3333333333333333333333333333333333333333", d("1"))
	require.Equal(t, CodeCustomerNotFound, Code(err))

	require.NoError(t, h.db.Create(&models.Customer{Address: shopWallet, Active: true, CurrentBalance: d("50"), LifetimeEarnings: d("100")}).Error)
	_, err = h.svc.Create(ctx, crossShop, shopWallet, d("1"))
	require.ErrorIs(t, err, ErrSelfRedemption)

	_, err = h.svc.Create(ctx, homeShop, h.customer, d("10"))
	require.NoError(t, err)
	_, err = h.svc.Create(ctx, homeShop, strings.ToUpper(h.customer[2:]), d("10"))
	require.ErrorIs(t, err, ErrInvalidAddress)
	_, err = h.svc.Create(ctx, homeShop, "0x"+strings.ToUpper(h.customer[2:]), d("10"))
	require.ErrorIs(t, err, sessions.ErrDuplicatePending)

	require.NoError(t, h.db.Model(&models.Customer{}).Where("address = ?", h.customer).Update("suspended", true).Error)
	_, err = h.svc.Create(ctx, crossShop, h.customer, d("1"))
	require.ErrorIs(t, err, ErrCustomerSuspended)

	require.NoError(t, h.db.Model(&models.Shop{}).Where("shop_id = ?", crossShop).Update("active", false).Error)
	_, err = h.svc.Create(ctx, crossShop, h.customer, d("1"))
	require.ErrorIs(t, err, ErrShopInactive)
}

func TestAutoSettleWithTokenApproval(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.AutoSettle = true
		cfg.Verifier = approval.NewTokenVerifier([]byte("token-secret"))
	})
	ctx := context.Background()
	session, err := h.svc.Create(ctx, homeShop, h.customer, d("25"))
	require.NoError(t, err)

	view, err := h.svc.Get(ctx, sessions.CustomerActor(h.customer), session.ID)
	require.NoError(t, err)
	require.NotEmpty(t, view.ApprovalToken)
	token, err := h.svc.ApprovalToken(ctx, h.customer, session.ID)
	require.NoError(t, err)
	require.Equal(t, view.ApprovalToken, token)

	shopView, err := h.svc.Get(ctx, sessions.ShopActor(homeShop), session.ID)
	require.NoError(t, err)
	require.Empty(t, shopView.ApprovalToken)

	res, err := h.svc.Approve(ctx, h.customer, session.ID, approval.Claim{Amount: session.Amount, ExpiresAt: session.ExpiresAt, Proof: token})
	require.NoError(t, err)
	require.NoError(t, res.SettlementError)
	require.NotNil(t, res.Settlement)
	require.Equal(t, models.StatusUsed, res.Session.Status)
	require.True(t, res.Settlement.NewShopBalance.Equal(d("275")))
}

func TestAutoSettleFailureLeavesSessionApproved(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.AutoSettle = true })
	ctx := context.Background()
	session, err := h.svc.Create(ctx, crossShop, h.customer, d("25"))
	require.NoError(t, err)

	res, err := h.svc.Approve(ctx, h.customer, session.ID, h.claim(t, session))
	require.NoError(t, err)
	require.ErrorIs(t, res.SettlementError, ledger.ErrInsufficientBalance)
	require.Equal(t, models.StatusApproved, res.Session.Status)
}

func TestSweepExpiresAndPublishes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	events, cancel := h.hub.Subscribe(notify.Filter{ShopID: homeShop})
	defer cancel()

	session, err := h.svc.Create(ctx, homeShop, h.customer, d("10"))
	require.NoError(t, err)
	<-events

	n, err := h.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	h.clock.Advance(5*time.Minute + time.Second)
	n, err = h.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	e := <-events
	require.Equal(t, session.ID, e.SessionID)
	require.Equal(t, models.StatusExpired, e.Status)
	require.Equal(t, models.StatusPending, e.From)

	pending, err := h.svc.ListForShop(ctx, homeShop, models.StatusPending)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestListUsesEffectiveStatus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.svc.Create(ctx, homeShop, h.customer, d("10"))
	require.NoError(t, err)

	pending, err := h.svc.ListForCustomer(ctx, h.customer, models.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	h.clock.Advance(10 * time.Minute)
	pending, err = h.svc.ListForCustomer(ctx, h.customer, models.StatusPending)
	require.NoError(t, err)
	require.Empty(t, pending)
	expired, err := h.svc.ListForCustomer(ctx, h.customer, models.StatusExpired)
	require.NoError(t, err)
	require.Len(t, expired, 1)
}
