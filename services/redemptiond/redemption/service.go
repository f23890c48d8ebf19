// Package redemption drives the cross-shop redemption handshake: a shop
// proposes, the customer approves or rejects, and the shop settles.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"repaircoin/observability"
	"repaircoin/observability/logging"
	"repaircoin/services/redemptiond/approval"
	"repaircoin/services/redemptiond/directory"
	"repaircoin/services/redemptiond/ledger"
	"repaircoin/services/redemptiond/limits"
	"repaircoin/services/redemptiond/models"
	"repaircoin/services/redemptiond/notify"
	"repaircoin/services/redemptiond/sessions"
	"repaircoin/services/redemptiond/settlement"
)

var (
	ErrInvalidAddress        = errors.New("redemption: invalid wallet address")
	ErrSelfRedemption        = errors.New("redemption: shop wallet cannot redeem at its own shop")
	ErrExceedsMaxRedeemable  = errors.New("redemption: amount exceeds max redeemable")
	ErrShopInactive          = settlement.ErrShopInactive
	ErrCustomerSuspended     = settlement.ErrCustomerSuspended
	ErrVerifierCannotIssue   = errors.New("redemption: approval tokens are not issued in this mode")
	errMissingDatabaseHandle = errors.New("redemption: database handle required")
)

// ExceedsMaxRedeemableError reports the limit a request ran into.
type ExceedsMaxRedeemableError struct {
	Max       decimal.Decimal
	Requested decimal.Decimal
	HomeShop  bool
}

func (e *ExceedsMaxRedeemableError) Error() string {
	return fmt.Sprintf("requested %s exceeds max redeemable %s", e.Requested, e.Max)
}

func (e *ExceedsMaxRedeemableError) Unwrap() error { return ErrExceedsMaxRedeemable }

// Config captures the dependencies required to construct the service.
type Config struct {
	DB         *gorm.DB
	Directory  directory.Directory
	Verifier   approval.Verifier
	Publisher  notify.Publisher
	Metrics    *observability.RedemptionMetrics
	Logger     *slog.Logger
	Now        func() time.Time
	TTL        time.Duration
	AutoSettle bool
}

// Service implements the protocol operations.
type Service struct {
	sessions   *sessions.Store
	ledger     *ledger.Ledger
	directory  directory.Directory
	verifier   approval.Verifier
	executor   *settlement.Executor
	publisher  notify.Publisher
	metrics    *observability.RedemptionMetrics
	logger     *slog.Logger
	now        func() time.Time
	ttl        time.Duration
	autoSettle bool
}

// New constructs a Service, filling defaults for optional dependencies.
func New(cfg Config) (*Service, error) {
	if cfg.DB == nil {
		return nil, errMissingDatabaseHandle
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.TTL <= 0 {
		cfg.TTL = sessions.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Directory == nil {
		cfg.Directory = directory.NewStore(cfg.DB)
	}
	if cfg.Verifier == nil {
		cfg.Verifier = approval.SignatureVerifier{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = notify.Discard{}
	}
	return &Service{
		sessions:  sessions.NewStore(cfg.DB).WithClock(cfg.Now),
		ledger:    ledger.New(cfg.DB).WithClock(cfg.Now),
		directory: cfg.Directory,
		verifier:  cfg.Verifier,
		executor: settlement.NewExecutor(cfg.DB,
			settlement.WithClock(cfg.Now),
			settlement.WithLogger(cfg.Logger),
			settlement.WithMetrics(cfg.Metrics),
		),
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
		ttl:        cfg.TTL,
		autoSettle: cfg.AutoSettle,
	}, nil
}

// VerifierMode reports the configured approval mode.
func (s *Service) VerifierMode() string {
	return s.verifier.Mode()
}

// NormalizeWallet validates a 0x wallet address and returns its canonical form.
func NormalizeWallet(address string) (string, error) {
	normalized := ledger.NormalizeAddress(address)
	if !common.IsHexAddress(normalized) || len(normalized) != 42 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return normalized, nil
}

// Quote computes how much the customer may redeem at the shop right now.
func (s *Service) Quote(ctx context.Context, shopID, customer string) (limits.Quote, error) {
	address, err := NormalizeWallet(customer)
	if err != nil {
		return limits.Quote{}, err
	}
	balances, err := s.ledger.Balances(ctx, shopID, address)
	if err != nil {
		return limits.Quote{}, err
	}
	home, err := s.directory.IsHomeShop(ctx, address, shopID)
	if err != nil {
		return limits.Quote{}, err
	}
	quote := limits.NewQuote(address, shopID, balances.CustomerBalance, balances.LifetimeEarnings, home)
	quote.ShopBalance = balances.ShopBalance
	return quote, nil
}

// FundShop credits RCN a shop bought to its redemption inventory and returns
// the new inventory balance.
func (s *Service) FundShop(ctx context.Context, shopID string, amount decimal.Decimal) (decimal.Decimal, error) {
	balance, err := s.ledger.CreditShopPurchase(ctx, shopID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	s.logger.InfoContext(ctx, "shop inventory credited",
		slog.String("shop_id", shopID),
		slog.String("amount", amount.String()),
		slog.String("balance", balance.String()))
	return balance, nil
}

// IssueReward pays a customer RCN earned at the shop out of the shop's
// inventory. The shop becomes one of the customer's home shops.
func (s *Service) IssueReward(ctx context.Context, shopID, customer string, amount decimal.Decimal) (ledger.RewardResult, error) {
	address, err := NormalizeWallet(customer)
	if err != nil {
		return ledger.RewardResult{}, err
	}
	shop, err := s.directory.Shop(ctx, shopID)
	if err != nil {
		return ledger.RewardResult{}, err
	}
	if !directory.ShopUsable(shop) {
		return ledger.RewardResult{}, ErrShopInactive
	}
	return s.ledger.IssueReward(ctx, shopID, address, amount)
}

// Create validates a shop's proposal and opens a pending session.
func (s *Service) Create(ctx context.Context, shopID, customer string, amount decimal.Decimal) (models.RedemptionSession, error) {
	address, err := NormalizeWallet(customer)
	if err != nil {
		return models.RedemptionSession{}, s.refuse("create", err)
	}
	if !amount.IsPositive() {
		return models.RedemptionSession{}, s.refuse("create", sessions.ErrInvalidAmount)
	}
	shop, err := s.directory.Shop(ctx, shopID)
	if err != nil {
		return models.RedemptionSession{}, s.refuse("create", err)
	}
	if !directory.ShopUsable(shop) {
		return models.RedemptionSession{}, s.refuse("create", ErrShopInactive)
	}
	holder, err := s.directory.Customer(ctx, address)
	if err != nil {
		return models.RedemptionSession{}, s.refuse("create", err)
	}
	if !directory.CustomerUsable(holder) {
		return models.RedemptionSession{}, s.refuse("create", ErrCustomerSuspended)
	}
	if shop.WalletAddress != "" && ledger.NormalizeAddress(shop.WalletAddress) == address {
		return models.RedemptionSession{}, s.refuse("create", ErrSelfRedemption)
	}
	home, err := s.directory.IsHomeShop(ctx, address, shopID)
	if err != nil {
		return models.RedemptionSession{}, err
	}
	quote := limits.NewQuote(address, shopID, holder.CurrentBalance, holder.LifetimeEarnings, home)
	if !quote.Allows(amount) {
		return models.RedemptionSession{}, s.refuse("create", &ExceedsMaxRedeemableError{Max: quote.MaxRedeemable, Requested: amount, HomeShop: home})
	}

	session, err := s.sessions.Create(ctx, address, shopID, amount, s.ttl, sessions.ShopActor(shopID))
	if err != nil {
		return models.RedemptionSession{}, s.refuse("create", err)
	}
	s.metrics.RecordCreated(home)
	s.committed(ctx, session, "")
	s.logger.InfoContext(ctx, "redemption session created",
		slog.String("session_id", session.ID.String()),
		slog.String("shop_id", shopID),
		slog.String("amount", amount.String()),
		slog.Bool("home_shop", home))
	return session, nil
}

// View is a session as observed by one of its parties.
type View struct {
	models.RedemptionSession
	// Status is the effective status: stale pending or approved sessions read as expired.
	Status          models.SessionStatus `json:"status"`
	ApprovalMessage string               `json:"approvalMessage,omitempty"`
	ApprovalToken   string               `json:"approvalToken,omitempty"`
}

// Get returns the session if the actor is one of its parties. It never writes.
func (s *Service) Get(ctx context.Context, actor sessions.Actor, id uuid.UUID) (View, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	if !isParty(session, actor) {
		return View{}, sessions.ErrNotParty
	}
	return s.view(session, actor), nil
}

// History returns the audit trail of a session to one of its parties.
func (s *Service) History(ctx context.Context, actor sessions.Actor, id uuid.UUID) ([]models.SessionEvent, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isParty(session, actor) {
		return nil, sessions.ErrNotParty
	}
	return s.sessions.Events(ctx, id)
}

// ListForCustomer returns the customer's recent sessions, optionally filtered
// by effective status.
func (s *Service) ListForCustomer(ctx context.Context, customer string, status models.SessionStatus) ([]View, error) {
	address, err := NormalizeWallet(customer)
	if err != nil {
		return nil, err
	}
	rows, err := s.sessions.ListByCustomer(ctx, address, "")
	if err != nil {
		return nil, err
	}
	return s.views(rows, sessions.CustomerActor(address), status), nil
}

// ListForShop returns the shop's recent sessions, optionally filtered by effective status.
func (s *Service) ListForShop(ctx context.Context, shopID string, status models.SessionStatus) ([]View, error) {
	rows, err := s.sessions.ListByShop(ctx, shopID, "")
	if err != nil {
		return nil, err
	}
	return s.views(rows, sessions.ShopActor(shopID), status), nil
}

func (s *Service) views(rows []models.RedemptionSession, actor sessions.Actor, status models.SessionStatus) []View {
	out := make([]View, 0, len(rows))
	for _, row := range rows {
		v := s.view(row, actor)
		if status != "" && v.Status != status {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (s *Service) view(session models.RedemptionSession, actor sessions.Actor) View {
	v := View{RedemptionSession: session, Status: sessions.EffectiveStatus(session, s.now())}
	if v.Status == models.StatusPending && actor.Role == models.RoleCustomer && actor.Address == session.CustomerAddress {
		binding := approval.BindingFor(session)
		v.ApprovalMessage = binding.Message()
		if issuer, ok := s.verifier.(approval.Issuer); ok {
			v.ApprovalToken = issuer.Issue(binding)
		}
	}
	return v
}

// ApprovalToken issues the approval token for a pending session of the customer.
func (s *Service) ApprovalToken(ctx context.Context, customer string, id uuid.UUID) (string, error) {
	issuer, ok := s.verifier.(approval.Issuer)
	if !ok {
		return "", ErrVerifierCannotIssue
	}
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if err := sessions.Authorize(session, sessions.CustomerActor(ledger.NormalizeAddress(customer)), models.StatusApproved); err != nil {
		return "", err
	}
	switch status := sessions.EffectiveStatus(session, s.now()); status {
	case models.StatusPending:
	case models.StatusExpired:
		return "", fmt.Errorf("%w: %w", sessions.ErrInvalidTransition, sessions.ErrSessionExpired)
	default:
		return "", fmt.Errorf("%w: session is %s", sessions.ErrInvalidTransition, status)
	}
	return issuer.Issue(approval.BindingFor(session)), nil
}

// ApproveResult is the outcome of an approval, including any immediate settlement.
type ApproveResult struct {
	Session         models.RedemptionSession
	Settlement      *settlement.Result
	SettlementError error
}

// Approve records the customer's approval after checking expiry and the
// proof's binding to the stored session. With auto-settle enabled the
// settlement runs straight away; a settlement failure leaves the session
// approved and is reported alongside.
func (s *Service) Approve(ctx context.Context, customer string, id uuid.UUID, claim approval.Claim) (ApproveResult, error) {
	actor := sessions.CustomerActor(ledger.NormalizeAddress(customer))
	session, err := s.decidable(ctx, "approve", actor, id, models.StatusApproved)
	if err != nil {
		return ApproveResult{}, err
	}
	claim.SessionID = id
	if claim.Customer == "" {
		claim.Customer = actor.Address
	}
	if err := s.verifier.Verify(session, claim); err != nil {
		s.logger.WarnContext(ctx, "approval proof rejected",
			slog.String("session_id", id.String()),
			logging.MaskField("approval_proof", claim.Proof),
			slog.Any("error", err))
		return ApproveResult{}, s.refuse("approve", err)
	}
	approved, err := s.sessions.Transition(ctx, id, models.StatusPending, models.StatusApproved, s.now(), actor, sessions.WithApprovalProof(claim.Proof))
	if err != nil {
		return ApproveResult{}, s.refuse("approve", s.expireIfLate(ctx, id, err))
	}
	s.committed(ctx, approved, models.StatusPending)

	result := ApproveResult{Session: approved}
	if !s.autoSettle {
		return result, nil
	}
	settled, err := s.settle(ctx, id, sessions.System)
	if err != nil {
		result.SettlementError = err
		if refreshed, loadErr := s.sessions.Get(ctx, id); loadErr == nil {
			result.Session = refreshed
		}
		return result, nil
	}
	result.Settlement = &settled
	if refreshed, loadErr := s.sessions.Get(ctx, id); loadErr == nil {
		result.Session = refreshed
	}
	return result, nil
}

// Reject records the customer's refusal.
func (s *Service) Reject(ctx context.Context, customer string, id uuid.UUID) (models.RedemptionSession, error) {
	actor := sessions.CustomerActor(ledger.NormalizeAddress(customer))
	return s.decide(ctx, "reject", actor, id, models.StatusRejected)
}

// Cancel withdraws a shop's still-pending proposal.
func (s *Service) Cancel(ctx context.Context, shopID string, id uuid.UUID) (models.RedemptionSession, error) {
	return s.decide(ctx, "cancel", sessions.ShopActor(shopID), id, models.StatusCancelled)
}

// Settle executes an approved session on behalf of its shop. Retries return
// the recorded result.
func (s *Service) Settle(ctx context.Context, shopID string, id uuid.UUID) (settlement.Result, error) {
	return s.settle(ctx, id, sessions.ShopActor(shopID))
}

func (s *Service) settle(ctx context.Context, id uuid.UUID, actor sessions.Actor) (settlement.Result, error) {
	res, err := s.executor.Settle(ctx, id, actor)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionExpired) && !errors.Is(err, sessions.ErrInvalidTransition) {
			if expired, loadErr := s.sessions.Get(ctx, id); loadErr == nil {
				s.committed(ctx, expired, models.StatusApproved)
			}
		}
		s.metrics.RecordRejected("settle", Code(err))
		return settlement.Result{}, err
	}
	if !res.Replayed {
		if used, loadErr := s.sessions.Get(ctx, id); loadErr == nil {
			s.committed(ctx, used, models.StatusApproved)
		}
	}
	return res, nil
}

func (s *Service) decide(ctx context.Context, operation string, actor sessions.Actor, id uuid.UUID, next models.SessionStatus) (models.RedemptionSession, error) {
	if _, err := s.decidable(ctx, operation, actor, id, next); err != nil {
		return models.RedemptionSession{}, err
	}
	updated, err := s.sessions.Transition(ctx, id, models.StatusPending, next, s.now(), actor)
	if err != nil {
		return models.RedemptionSession{}, s.refuse(operation, s.expireIfLate(ctx, id, err))
	}
	s.committed(ctx, updated, models.StatusPending)
	return updated, nil
}

// decidable loads a session and checks that actor may move it out of pending
// now. A pending session past its TTL is marked expired on the way.
func (s *Service) decidable(ctx context.Context, operation string, actor sessions.Actor, id uuid.UUID, next models.SessionStatus) (models.RedemptionSession, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return models.RedemptionSession{}, s.refuse(operation, err)
	}
	if err := sessions.Authorize(session, actor, next); err != nil {
		return models.RedemptionSession{}, s.refuse(operation, err)
	}
	now := s.now()
	switch {
	case session.Status == models.StatusExpired:
		return models.RedemptionSession{}, s.refuse(operation, fmt.Errorf("%w: %w", sessions.ErrInvalidTransition, sessions.ErrSessionExpired))
	case session.Status != models.StatusPending:
		return models.RedemptionSession{}, s.refuse(operation, fmt.Errorf("%w: session is %s", sessions.ErrInvalidTransition, session.Status))
	case sessions.IsExpired(session, now):
		expired, err := s.sessions.Transition(ctx, id, models.StatusPending, models.StatusExpired, now, sessions.System)
		if err == nil {
			s.committed(ctx, expired, models.StatusPending)
			return models.RedemptionSession{}, s.refuse(operation, sessions.ErrSessionExpired)
		}
		return models.RedemptionSession{}, s.refuse(operation, err)
	}
	return session, nil
}

// expireIfLate persists the expiry of a session whose TTL ran out between the
// pre-check and the conditional update. It returns err unchanged.
func (s *Service) expireIfLate(ctx context.Context, id uuid.UUID, err error) error {
	if !errors.Is(err, sessions.ErrSessionExpired) {
		return err
	}
	expired, xerr := s.sessions.Transition(ctx, id, models.StatusPending, models.StatusExpired, s.now(), sessions.System)
	if xerr == nil {
		s.committed(ctx, expired, models.StatusPending)
	}
	return err
}

// Sweep expires every session whose TTL has elapsed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	expired, err := s.sessions.ExpireStale(ctx, s.now())
	for _, e := range expired {
		s.committed(ctx, e.Session, e.From)
	}
	s.metrics.AddSwept(len(expired))
	if len(expired) > 0 {
		s.logger.InfoContext(ctx, "expired stale redemption sessions", slog.Int("count", len(expired)))
	}
	return len(expired), err
}

func (s *Service) committed(ctx context.Context, session models.RedemptionSession, from models.SessionStatus) {
	s.metrics.RecordTransition(string(from), string(session.Status))
	if err := s.publisher.Publish(ctx, notify.EventFor(session, from, s.now())); err != nil {
		s.logger.WarnContext(ctx, "session event not delivered",
			slog.String("session_id", session.ID.String()),
			slog.String("status", string(session.Status)),
			slog.Any("error", err))
	}
}

func (s *Service) refuse(operation string, err error) error {
	s.metrics.RecordRejected(operation, Code(err))
	return err
}

func isParty(session models.RedemptionSession, actor sessions.Actor) bool {
	switch actor.Role {
	case models.RoleAdmin:
		return true
	case models.RoleCustomer:
		return actor.Address == session.CustomerAddress
	case models.RoleShop:
		return actor.ShopID == session.ShopID
	}
	return false
}
