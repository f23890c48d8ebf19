package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gatewaymw "repaircoin/gateway/middleware"
	"repaircoin/services/redemptiond/models"
	"repaircoin/services/redemptiond/storage"
)

func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"call":`+strconv.Itoa(int(n))+`,"echo":"`+strings.TrimSpace(string(body))+`"}`)
	})
}

func post(handler http.Handler, key, body string, p *gatewaymw.Principal) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/redemption-sessions/abc/settle", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	if p != nil {
		req = req.WithContext(gatewaymw.WithPrincipal(req.Context(), *p))
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	var calls atomic.Int32
	handler := WithIdempotency(db, nil)(countingHandler(&calls, http.StatusCreated))
	shop := &gatewaymw.Principal{Role: gatewaymw.RoleShop, ShopID: "shop-a"}

	first := post(handler, "key-1", "x", shop)
	require.Equal(t, http.StatusCreated, first.Code)
	second := post(handler, "key-1", "x", shop)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, "true", second.Header().Get(HeaderReplayed))
	require.EqualValues(t, 1, calls.Load())

	conflict := post(handler, "key-1", "y", shop)
	require.Equal(t, http.StatusConflict, conflict.Code)
	require.Contains(t, conflict.Body.String(), "idempotency_key_reused")

	other := &gatewaymw.Principal{Role: gatewaymw.RoleShop, ShopID: "shop-b"}
	require.Equal(t, http.StatusCreated, post(handler, "key-1", "x", other).Code)
	require.EqualValues(t, 2, calls.Load())

	post(handler, "", "x", shop)
	post(handler, "", "x", shop)
	require.EqualValues(t, 4, calls.Load())
}

func TestIdempotencySkipsServerErrors(t *testing.T) {
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	var calls atomic.Int32
	handler := WithIdempotency(db, nil)(countingHandler(&calls, http.StatusInternalServerError))
	post(handler, "key-2", "x", nil)
	post(handler, "key-2", "x", nil)
	require.EqualValues(t, 2, calls.Load())

	var count int64
	require.NoError(t, db.Model(&models.IdempotencyKey{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestPurgeBefore(t *testing.T) {
	db, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	old := models.IdempotencyKey{Key: "old", Principal: "p", RequestHash: "h", Status: 200, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := models.IdempotencyKey{Key: "fresh", Principal: "p", RequestHash: "h", Status: 200, CreatedAt: time.Now().UTC()}
	require.NoError(t, db.Create(&old).Error)
	require.NoError(t, db.Create(&fresh).Error)

	n, err := PurgeBefore(context.Background(), db, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestRequestHashCoversMethodPathAndBody(t *testing.T) {
	base := requestHash("POST", "/a", []byte("x"))
	require.Len(t, base, 64)
	require.NotEqual(t, base, requestHash("PUT", "/a", []byte("x")))
	require.NotEqual(t, base, requestHash("POST", "/b", []byte("x")))
	require.NotEqual(t, base, requestHash("POST", "/a", []byte("y")))
}
