package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	gatewaymw "repaircoin/gateway/middleware"
	"repaircoin/services/redemptiond/approval"
	"repaircoin/services/redemptiond/ledger"
	"repaircoin/services/redemptiond/models"
	"repaircoin/services/redemptiond/sessions"
	"repaircoin/services/redemptiond/settlement"
)

const maxRequestBytes = 64 << 10

func actorFor(p gatewaymw.Principal) sessions.Actor {
	switch p.Role {
	case gatewaymw.RoleShop:
		return sessions.ShopActor(p.ShopID)
	case gatewaymw.RoleCustomer:
		return sessions.CustomerActor(ledger.NormalizeAddress(p.Address))
	}
	return sessions.Actor{Role: models.RoleAdmin}
}

func principal(w http.ResponseWriter, r *http.Request) (gatewaymw.Principal, bool) {
	p, ok := gatewaymw.PrincipalFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "missing identity"})
	}
	return p, ok
}

func sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody reads an optional JSON body into dst. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}

// sameShop reports whether a shop principal may act for shopID. Admins may act for any shop.
func sameShop(p gatewaymw.Principal, shopID string) bool {
	return p.Role == gatewaymw.RoleAdmin || p.ShopID == shopID
}

// sameCustomer reports whether a customer principal owns address. Admins may read any customer.
func sameCustomer(p gatewaymw.Principal, address string) bool {
	return p.Role == gatewaymw.RoleAdmin || ledger.NormalizeAddress(p.Address) == ledger.NormalizeAddress(address)
}

func forbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "principal may not act for this resource"})
}

func statusFilter(w http.ResponseWriter, r *http.Request) (models.SessionStatus, bool) {
	raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	if raw == "" {
		return "", true
	}
	status := models.SessionStatus(raw)
	if !status.Valid() {
		writeBadRequest(w, "unknown status filter")
		return "", false
	}
	return status, true
}

// RedemptionLimit reports how much a customer may redeem at the shop.
func (s *Server) RedemptionLimit(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	shopID := chi.URLParam(r, "shopId")
	if !sameShop(p, shopID) {
		forbidden(w)
		return
	}
	quote, err := s.svc.Quote(r.Context(), shopID, chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type amountRequest struct {
	CustomerAddress string           `json:"customerAddress"`
	Amount          *decimal.Decimal `json:"amount"`
}

// RecordPurchase credits RCN a shop bought to its inventory.
func (s *Server) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	shopID := chi.URLParam(r, "shopId")
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount == nil {
		writeBadRequest(w, "amount is required")
		return
	}
	balance, err := s.svc.FundShop(r.Context(), shopID, *req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shopId": shopID, "purchasedRcnBalance": balance})
}

// IssueReward pays a customer RCN earned at the shop.
func (s *Server) IssueReward(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	shopID := chi.URLParam(r, "shopId")
	if !sameShop(p, shopID) {
		forbidden(w)
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount == nil || strings.TrimSpace(req.CustomerAddress) == "" {
		writeBadRequest(w, "customerAddress and amount are required")
		return
	}
	res, err := s.svc.IssueReward(r.Context(), shopID, req.CustomerAddress, *req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type createSessionRequest struct {
	CustomerAddress string          `json:"customerAddress"`
	ShopID          string          `json:"shopId"`
	Amount          decimal.Decimal `json:"amount"`
}

// CreateSession opens a pending session proposed by the calling shop.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	shopID := strings.TrimSpace(req.ShopID)
	if shopID == "" {
		shopID = p.ShopID
	}
	if shopID != p.ShopID {
		forbidden(w)
		return
	}
	session, err := s.svc.Create(r.Context(), shopID, req.CustomerAddress, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// GetSession returns a session to one of its parties.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	view, err := s.svc.Get(r.Context(), actorFor(p), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SessionEvents returns the audit trail of a session.
func (s *Server) SessionEvents(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	events, err := s.svc.History(r.Context(), actorFor(p), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ApprovalToken hands the session customer the token to approve with.
func (s *Server) ApprovalToken(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	token, err := s.svc.ApprovalToken(r.Context(), p.Address, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id.String(), "token": token})
}

// ListCustomerSessions lists a customer's recent sessions.
func (s *Server) ListCustomerSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	address := chi.URLParam(r, "address")
	if !sameCustomer(p, address) {
		forbidden(w)
		return
	}
	status, ok := statusFilter(w, r)
	if !ok {
		return
	}
	views, err := s.svc.ListForCustomer(r.Context(), address, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// ListShopSessions lists a shop's recent sessions.
func (s *Server) ListShopSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	shopID := chi.URLParam(r, "shopId")
	if !sameShop(p, shopID) {
		forbidden(w)
		return
	}
	status, ok := statusFilter(w, r)
	if !ok {
		return
	}
	views, err := s.svc.ListForShop(r.Context(), shopID, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

type approveRequest struct {
	Signature string           `json:"signature"`
	Token     string           `json:"token"`
	Amount    *decimal.Decimal `json:"amount"`
	ExpiresAt *time.Time       `json:"expiresAt"`
}

type approveResponse struct {
	Session         models.RedemptionSession `json:"session"`
	Settlement      *settlement.Result       `json:"settlement,omitempty"`
	SettlementError *errorBody               `json:"settlementError,omitempty"`
}

// ApproveSession records the customer's approval. The body restates the
// amount and expiry the customer saw next to the proof.
func (s *Server) ApproveSession(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	proof := strings.TrimSpace(req.Signature)
	if proof == "" {
		proof = strings.TrimSpace(req.Token)
	}
	if proof == "" || req.Amount == nil || req.ExpiresAt == nil {
		writeBadRequest(w, "signature or token, amount and expiresAt are required")
		return
	}
	claim := approval.Claim{
		Customer:  p.Address,
		Amount:    *req.Amount,
		ExpiresAt: *req.ExpiresAt,
		Proof:     proof,
	}
	result, err := s.svc.Approve(r.Context(), p.Address, id, claim)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := approveResponse{Session: result.Session, Settlement: result.Settlement}
	if result.SettlementError != nil {
		_, body := errorBodyFor(result.SettlementError)
		resp.SettlementError = &body
	}
	writeJSON(w, http.StatusOK, resp)
}

// RejectSession records the customer's refusal.
func (s *Server) RejectSession(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	session, err := s.svc.Reject(r.Context(), p.Address, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// CancelSession withdraws the calling shop's pending proposal.
func (s *Server) CancelSession(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	session, err := s.svc.Cancel(r.Context(), p.ShopID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// SettleSession executes an approved session for the calling shop. A retry
// returns the recorded settlement.
func (s *Server) SettleSession(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	result, err := s.svc.Settle(r.Context(), p.ShopID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
