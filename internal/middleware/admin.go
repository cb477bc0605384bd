package middleware

import (
	"context"
	"net/http"
)

type AdminChecker interface {
	IsAdmin(ctx context.Context, accountID string) (bool, error)
}

// RequireAdmin allows only accounts present in the admins table. Manual hold
// release and audit listing sit behind this.
func RequireAdmin(admins AdminChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, ok := AccountIDFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			isAdmin, err := admins.IsAdmin(r.Context(), accountID)
			if err != nil {
				http.Error(w, "unable to verify role", http.StatusInternalServerError)
				return
			}
			if !isAdmin {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
