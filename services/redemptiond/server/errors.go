package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"repaircoin/services/redemptiond/ledger"
	"repaircoin/services/redemptiond/redemption"
)

const codeInvalidRequest = "invalid_request"

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// Limit details.
	MaxRedeemable string `json:"maxRedeemable,omitempty"`
	Requested     string `json:"requested,omitempty"`
	// Balance details.
	Party     string `json:"party,omitempty"`
	Available string `json:"available,omitempty"`
	Required  string `json:"required,omitempty"`
}

var statusByCode = map[string]int{
	redemption.CodeInvalidAmount:        http.StatusBadRequest,
	redemption.CodeInvalidAddress:       http.StatusBadRequest,
	redemption.CodeExceedsMaxRedeemable: http.StatusBadRequest,
	redemption.CodeSelfRedemption:       http.StatusBadRequest,
	redemption.CodeTokenUnavailable:     http.StatusBadRequest,
	redemption.CodeShopInactive:         http.StatusForbidden,
	redemption.CodeCustomerSuspended:    http.StatusForbidden,
	redemption.CodeBindingMismatch:      http.StatusForbidden,
	redemption.CodeNotParty:             http.StatusForbidden,
	redemption.CodeShopNotFound:         http.StatusNotFound,
	redemption.CodeCustomerNotFound:     http.StatusNotFound,
	redemption.CodeSessionNotFound:      http.StatusNotFound,
	redemption.CodeDuplicatePending:     http.StatusConflict,
	redemption.CodeStaleTransition:      http.StatusConflict,
	redemption.CodeInvalidTransition:    http.StatusConflict,
	redemption.CodeSessionExpired:       http.StatusGone,
	redemption.CodeInsufficientBalance:  http.StatusUnprocessableEntity,
}

// statusFor maps a wire error code to its HTTP status.
func statusFor(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// errorBodyFor renders err for clients. Internal failures carry a generic
// message only.
func errorBodyFor(err error) (int, errorBody) {
	code := redemption.Code(err)
	status := statusFor(code)
	body := errorBody{Error: code, Message: err.Error()}
	if status == http.StatusInternalServerError {
		body.Message = "internal server error"
		return status, body
	}
	var limit *redemption.ExceedsMaxRedeemableError
	if errors.As(err, &limit) {
		body.MaxRedeemable = limit.Max.String()
		body.Requested = limit.Requested.String()
	}
	var short *ledger.InsufficientBalanceError
	if errors.As(err, &short) {
		body.Party = string(short.Party)
		body.Available = short.Available.String()
		body.Required = short.Required.String()
	}
	return status, body
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorBodyFor(err)
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: codeInvalidRequest, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
