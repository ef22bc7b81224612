package auth

import (
	"context"
	"net/http"
	"strings"

	domainauth "github.com/apilens/backend/internal/domain/auth"
	"github.com/apilens/backend/internal/domain/user"
	"github.com/apilens/backend/internal/token"
)

type ctxKey int

const (
	ctxUser ctxKey = iota
	ctxClaims
)

// UserFrom returns the authenticated user stored by RequireAuth.
func UserFrom(ctx context.Context) (*user.User, bool) {
	u, ok := ctx.Value(ctxUser).(*user.User)
	return u, ok
}

// ClaimsFrom returns the verified access-token claims stored by RequireAuth.
func ClaimsFrom(ctx context.Context) (*token.AccessClaims, bool) {
	c, ok := ctx.Value(ctxClaims).(*token.AccessClaims)
	return c, ok
}

// RequireAuth verifies the bearer token, loads the user and stores both in the
// request context. Requests without a valid token get 401.
func (c *Controller) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			c.writeError(w, r, domainauth.ErrAuthentication)
			return
		}
		rec, claims, err := c.uc.Authenticate(r.Context(), raw)
		if err != nil {
			c.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxUser, rec)
		ctx = context.WithValue(ctx, ctxClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
