package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const secret = "kiosk-secret"

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func echoKiosk() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := KioskIDFromContext(r.Context())
		_, _ = w.Write([]byte(id))
	})
}

func TestKioskAuth(t *testing.T) {
	valid := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"kiosk_id": "gate-1"})
	expired := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
		"kiosk_id": "gate-1",
		"exp":      time.Now().Add(-time.Minute).Unix(),
	})
	wrongKey := sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"kiosk_id": "gate-1"})
	noKiosk := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "x"})

	cases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer " + valid, http.StatusOK, "gate-1"},
		{"lowercase scheme", "bearer " + valid, http.StatusOK, "gate-1"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"basic", "Basic abc", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized, ""},
		{"no kiosk id", "Bearer " + noKiosk, http.StatusUnauthorized, ""},
	}
	handler := KioskAuth(secret)(echoKiosk())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/bays/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestChainSkipsNilAndOrders(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mark("outer"), nil, mark("inner"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
