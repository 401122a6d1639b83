package api

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Role of the device driving a request. Store devices authenticate at the
// edge; here we only carry their identity.
const (
	RoleCashier  = "cashier"
	RoleCustomer = "customer"
)

// User is the identity forwarded by the store's auth proxy.
type User struct {
	ID    string
	Name  string
	Email string
	Role  string
}

// IdentityMiddleware lifts the identity headers set by the auth proxy
// into the request context. Requests without X-User-Id stay anonymous
// and get rejected in the handlers.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := User{
			ID:    r.Header.Get("X-User-Id"),
			Name:  r.Header.Get("X-User-Name"),
			Email: r.Header.Get("X-User-Email"),
			Role:  r.Header.Get("X-User-Role"),
		}
		if user.Role != RoleCashier {
			user.Role = RoleCustomer
		}

		ctx := context.WithValue(r.Context(), "user", user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("req-%d", time.Now().UnixNano())
		}

		ctx := context.WithValue(r.Context(), "request_id", requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getUserFromContext(ctx context.Context) User {
	if user, ok := ctx.Value("user").(User); ok {
		return user
	}
	return User{}
}
