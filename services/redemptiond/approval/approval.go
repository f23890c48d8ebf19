// Package approval binds a customer's approval to the stored session it was
// given for, so a proof cannot be replayed against another session or amount.
package approval

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"repaircoin/services/redemptiond/ledger"
	"repaircoin/services/redemptiond/models"
)

// Verification modes.
const (
	ModeSignature = "signature"
	ModeToken     = "token"
)

var (
	ErrBindingMismatch = errors.New("approval: proof does not match session")
	ErrUnknownMode     = errors.New("approval: unknown verification mode")
	ErrSecretRequired  = errors.New("approval: token mode requires a secret")
)

// Binding is the set of session fields an approval commits to.
type Binding struct {
	SessionID uuid.UUID
	Customer  string
	ShopID    string
	Amount    decimal.Decimal
	ExpiresAt time.Time
}

// BindingFor derives the binding from the server's copy of a session.
func BindingFor(session models.RedemptionSession) Binding {
	return Binding{
		SessionID: session.ID,
		Customer:  ledger.NormalizeAddress(session.CustomerAddress),
		ShopID:    session.ShopID,
		Amount:    session.Amount,
		ExpiresAt: session.ExpiresAt,
	}
}

// Message renders the canonical text a wallet signs.
func (b Binding) Message() string {
	var sb strings.Builder
	sb.WriteString("RepairCoin redemption approval\n")
	fmt.Fprintf(&sb, "Session: %s\n", b.SessionID)
	fmt.Fprintf(&sb, "Customer: %s\n", ledger.NormalizeAddress(b.Customer))
	fmt.Fprintf(&sb, "Shop: %s\n", b.ShopID)
	fmt.Fprintf(&sb, "Amount: %s\n", b.Amount.String())
	fmt.Fprintf(&sb, "Expires: %d", b.ExpiresAt.Unix())
	return sb.String()
}

// Claim is what the approving client asserts about the session.
type Claim struct {
	SessionID uuid.UUID
	Customer  string
	Amount    decimal.Decimal
	ExpiresAt time.Time
	Proof     string
}

// Verifier checks an approval claim against a stored session.
type Verifier interface {
	Mode() string
	Verify(session models.RedemptionSession, claim Claim) error
}

// Issuer hands out proofs on behalf of the server.
type Issuer interface {
	Issue(b Binding) string
}

// New builds the verifier for the configured mode.
func New(mode, secret string) (Verifier, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeSignature:
		return SignatureVerifier{}, nil
	case ModeToken:
		if strings.TrimSpace(secret) == "" {
			return nil, ErrSecretRequired
		}
		return NewTokenVerifier([]byte(secret)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

func checkClaim(session models.RedemptionSession, claim Claim) error {
	if claim.SessionID != session.ID {
		return fmt.Errorf("%w: session id", ErrBindingMismatch)
	}
	if ledger.NormalizeAddress(claim.Customer) != ledger.NormalizeAddress(session.CustomerAddress) {
		return fmt.Errorf("%w: customer", ErrBindingMismatch)
	}
	if !claim.Amount.Equal(session.Amount) {
		return fmt.Errorf("%w: amount", ErrBindingMismatch)
	}
	if claim.ExpiresAt.Unix() != session.ExpiresAt.Unix() {
		return fmt.Errorf("%w: expiry", ErrBindingMismatch)
	}
	if strings.TrimSpace(claim.Proof) == "" {
		return fmt.Errorf("%w: proof missing", ErrBindingMismatch)
	}
	return nil
}

// SignatureVerifier accepts EIP-191 personal_sign signatures from the
// customer's wallet over Binding.Message.
type SignatureVerifier struct{}

func (SignatureVerifier) Mode() string { return ModeSignature }

func (SignatureVerifier) Verify(session models.RedemptionSession, claim Claim) error {
	if err := checkClaim(session, claim); err != nil {
		return err
	}
	sig, err := hexutil.Decode(strings.TrimSpace(claim.Proof))
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("%w: malformed signature", ErrBindingMismatch)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := accounts.TextHash([]byte(BindingFor(session).Message()))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: unrecoverable signature", ErrBindingMismatch)
	}
	signer := ethcrypto.PubkeyToAddress(*pub)
	if signer != common.HexToAddress(session.CustomerAddress) {
		return fmt.Errorf("%w: signer", ErrBindingMismatch)
	}
	return nil
}

// Sign produces the wallet signature for a binding, as a client would.
func Sign(key *ecdsa.PrivateKey, b Binding) (string, error) {
	digest := accounts.TextHash([]byte(b.Message()))
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("sign approval: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// TokenVerifier accepts server-issued HMAC tokens over Binding.Message.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier constructs a token verifier keyed with secret.
func NewTokenVerifier(secret []byte) TokenVerifier {
	return TokenVerifier{secret: append([]byte(nil), secret...)}
}

func (TokenVerifier) Mode() string { return ModeToken }

// Issue returns the approval token for a binding.
func (v TokenVerifier) Issue(b Binding) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(b.Message()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v TokenVerifier) Verify(session models.RedemptionSession, claim Claim) error {
	if err := checkClaim(session, claim); err != nil {
		return err
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(claim.Proof), "0x"))
	if err != nil {
		return fmt.Errorf("%w: malformed token", ErrBindingMismatch)
	}
	expected, _ := hex.DecodeString(v.Issue(BindingFor(session)))
	if !hmac.Equal(provided, expected) {
		return fmt.Errorf("%w: token", ErrBindingMismatch)
	}
	return nil
}
