package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Principal roles.
const (
	RoleShop     = "shop"
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

type AuthConfig struct {
	Enabled       bool
	HMACSecret    string
	Issuer        string
	Audience      string
	OptionalPaths []string
	ClockSkew     time.Duration
}

// Principal is the authenticated caller extracted from a bearer token.
type Principal struct {
	Subject string
	Role    string
	ShopID  string
	Address string
}

// Key identifies the principal for per-caller bookkeeping.
func (p Principal) Key() string {
	switch p.Role {
	case RoleShop:
		return RoleShop + ":" + p.ShopID
	case RoleCustomer:
		return RoleCustomer + ":" + p.Address
	}
	return p.Role + ":" + p.Subject
}

type contextKey string

const (
	ContextKeyToken     contextKey = "gateway.token"
	ContextKeyPrincipal contextKey = "gateway.principal"
)

// PrincipalFrom returns the principal stored by the authenticator.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ContextKeyPrincipal).(Principal)
	return p, ok
}

// WithPrincipal stores p on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ContextKeyPrincipal, p)
}

type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
	once   sync.Once
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	auth := &Authenticator{cfg: cfg, logger: logger}
	auth.once.Do(func() {
		auth.secret = []byte(strings.TrimSpace(cfg.HMACSecret))
		if auth.cfg.ClockSkew <= 0 {
			auth.cfg.ClockSkew = 2 * time.Minute
		}
	})
	return auth
}

// Middleware authenticates the request and, when roles are given, requires
// the principal to hold one of them.
func (a *Authenticator) Middleware(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled || a.isOptional(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := a.parseToken(tokenString)
			if err != nil {
				a.logger.WarnContext(r.Context(), "auth: token validation failed", slog.Any("error", err))
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
				a.logger.WarnContext(r.Context(), "auth: claim validation failed", slog.Any("error", err))
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			principal, err := principalFromClaims(claims)
			if err != nil {
				a.logger.WarnContext(r.Context(), "auth: principal rejected", slog.Any("error", err))
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if len(roles) > 0 && !hasRole(principal.Role, roles) {
				writeAuthError(w, http.StatusForbidden, "insufficient role")
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyToken, tokenString)
			ctx = WithPrincipal(ctx, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects requests whose principal holds none of roles. It
// expects an earlier authenticator to have stored the principal.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFrom(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "missing principal")
				return
			}
			if !hasRole(principal.Role, roles) {
				writeAuthError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authenticator) isOptional(path string) bool {
	for _, prefix := range a.cfg.OptionalPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience mismatch")
		}
	}
	return nil
}

func principalFromClaims(claims jwt.MapClaims) (Principal, error) {
	p := Principal{
		Subject: stringClaim(claims, "sub"),
		Role:    strings.ToLower(stringClaim(claims, "role")),
		ShopID:  stringClaim(claims, "shop_id"),
		Address: strings.ToLower(stringClaim(claims, "address")),
	}
	switch p.Role {
	case RoleShop:
		if p.ShopID == "" {
			return Principal{}, errors.New("shop token without shop_id")
		}
	case RoleCustomer:
		if p.Address == "" {
			return Principal{}, errors.New("customer token without address")
		}
	case RoleAdmin:
	default:
		return Principal{}, errors.New("unknown role")
	}
	return p, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func hasRole(role string, allowed []string) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// SignToken mints an HS256 bearer token for p.
func SignToken(secret string, p Principal, issuer, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  p.Subject,
		"role": p.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if p.ShopID != "" {
		claims["shop_id"] = p.ShopID
	}
	if p.Address != "" {
		claims["address"] = p.Address
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	code := "unauthorized"
	if status == http.StatusForbidden {
		code = "forbidden"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `","message":"` + message + `"}`))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
