package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const kioskIDKey contextKey = "kioskID"

// KioskAuth validates HS256 kiosk device tokens and stores the kiosk id.
func KioskAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}
			tokenStr := strings.TrimSpace(parts[1])
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenInvalidClaims
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "invalid token claims", http.StatusUnauthorized)
				return
			}
			kioskID, _ := claims["kiosk_id"].(string)
			if strings.TrimSpace(kioskID) == "" {
				http.Error(w, "kiosk id not found", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), kioskIDKey, kioskID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// KioskIDFromContext retrieves the authenticated kiosk id.
func KioskIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(kioskIDKey).(string)
	return id, ok
}
