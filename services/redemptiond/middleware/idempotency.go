package middleware

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"lukechampine.com/blake3"

	gatewaymw "repaircoin/gateway/middleware"
	"repaircoin/services/redemptiond/models"
)

// HeaderIdempotencyKey carries the client-chosen replay key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderReplayed marks a response served from the idempotency store.
const HeaderReplayed = "Idempotent-Replayed"

const (
	maxKeyLength  = 128
	maxBodyBytes  = 1 << 20
	anonymousUser = "anonymous"
)

// WithIdempotency replays the stored response for a repeated key from the
// same principal. Reusing a key with a different request is a conflict.
// Server errors are not stored so the client may retry them.
func WithIdempotency(db *gorm.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				writeConflict(w, http.StatusBadRequest, "invalid_idempotency_key", "idempotency key too long")
				return
			}
			principal := anonymousUser
			if p, ok := gatewaymw.PrincipalFrom(r.Context()); ok {
				principal = p.Key()
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeConflict(w, http.StatusBadRequest, "invalid_body", "request body unreadable")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			hash := requestHash(r.Method, r.URL.Path, body)

			var record models.IdempotencyKey
			err = db.WithContext(r.Context()).First(&record, "key = ? AND principal = ?", key, principal).Error
			switch {
			case err == nil:
				if record.RequestHash != hash {
					writeConflict(w, http.StatusConflict, "idempotency_key_reused", "idempotency key was used for a different request")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderReplayed, "true")
				w.WriteHeader(record.Status)
				_, _ = io.WriteString(w, record.Response)
				return
			case !errors.Is(err, gorm.ErrRecordNotFound):
				logger.ErrorContext(r.Context(), "idempotency lookup failed", slog.Any("error", err))
				writeConflict(w, http.StatusInternalServerError, "internal_error", "idempotency store unavailable")
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)

			if recorder.status == 0 {
				recorder.status = http.StatusOK
			}
			if recorder.status >= http.StatusInternalServerError {
				return
			}
			payload := models.IdempotencyKey{
				Key:         key,
				Principal:   principal,
				RequestHash: hash,
				Method:      r.Method,
				Path:        r.URL.Path,
				Status:      recorder.status,
				Response:    recorder.buf.String(),
				CreatedAt:   time.Now().UTC(),
			}
			if err := db.WithContext(context.WithoutCancel(r.Context())).
				Clauses(clause.OnConflict{DoNothing: true}).Create(&payload).Error; err != nil {
				logger.WarnContext(r.Context(), "idempotency record not stored", slog.Any("error", err))
			}
		})
	}
}

// PurgeBefore deletes idempotency records created before cutoff.
func PurgeBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.IdempotencyKey{})
	return res.RowsAffected, res.Error
}

func requestHash(method, path string, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(method))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func writeConflict(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `{"error":"`+code+`","message":"`+message+`"}`)
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
