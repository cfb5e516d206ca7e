package hub

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"echohub/internal/models"
)

// Очень простой вариант: Authorization: Bearer <apiToken>.
// Пустой токен в конфиге — аутентификация выключена (dev-режим).
func bearerAuth(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			const p = "Bearer "
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, p) || strings.TrimPrefix(auth, p) != token {
				models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
