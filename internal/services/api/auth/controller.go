package auth

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	domainauth "github.com/apilens/backend/internal/domain/auth"
	"github.com/apilens/backend/internal/obs"
)

// Controller exposes the auth flows over HTTP. It owns nothing but decoding,
// encoding and the error-to-status mapping; all decisions live in the usecase.
type Controller struct {
	uc  *Usecase
	log *zap.Logger
}

func NewController(uc *Usecase, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{uc: uc, log: log.With(zap.String("component", "auth_http"))}
}

func (c *Controller) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/magic-link", c.requestMagicLink)
			r.Post("/login", c.login)
			r.Post("/verify", c.verifyMagicLink)
			r.Post("/refresh", c.refresh)
			r.Post("/validate", c.validate)
			r.Post("/logout", c.logout)
		})
		r.Route("/users", func(r chi.Router) {
			r.Use(c.RequireAuth)
			r.Get("/me", c.me)
			r.Delete("/me", c.deactivate)
			r.Put("/me/password", c.changePassword)
			r.Post("/logout-all", c.logoutAll)
			r.Get("/sessions", c.listSessions)
			r.Delete("/sessions/{id}", c.revokeSession)
		})
	})
}

type magicLinkRequest struct {
	Email string `json:"email"`
}

func (c *Controller) requestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if !c.decode(w, r, &req) {
		return
	}
	if err := c.uc.RequestMagicLink(r.Context(), req.Email, clientIP(r)); err != nil {
		c.writeError(w, r, err)
		return
	}
	// Always the same answer, whether or not the address has an account.
	c.writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "if the address is valid, a sign-in link is on its way",
	})
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember_me"`
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	User         userResponse `json:"user"`
}

type userResponse struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email"`
	EmailVerified bool       `json:"email_verified"`
	HasPassword   bool       `json:"has_password"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (c *Controller) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !c.decode(w, r, &req) {
		return
	}
	pair, rec, err := c.uc.LoginWithPassword(r.Context(), req.Email, req.Password, r.UserAgent(), clientIP(r), req.RememberMe)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		TokenType:    "bearer",
		User: userResponse{
			ID:            rec.ID,
			Email:         rec.Email,
			EmailVerified: rec.EmailVerified,
			HasPassword:   rec.HasPassword(),
			LastLoginAt:   rec.LastLoginAt,
			CreatedAt:     rec.CreatedAt,
		},
	})
}

type verifyRequest struct {
	Token      string `json:"token"`
	RememberMe bool   `json:"remember_me"`
}

func (c *Controller) verifyMagicLink(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !c.decode(w, r, &req) {
		return
	}
	pair, rec, err := c.uc.VerifyMagicLink(r.Context(), req.Token, r.UserAgent(), clientIP(r), req.RememberMe)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		TokenType:    "bearer",
		User: userResponse{
			ID:            rec.ID,
			Email:         rec.Email,
			EmailVerified: rec.EmailVerified,
			HasPassword:   rec.HasPassword(),
			LastLoginAt:   rec.LastLoginAt,
			CreatedAt:     rec.CreatedAt,
		},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (c *Controller) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !c.decode(w, r, &req) {
		return
	}
	pair, err := c.uc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  pair.Access,
		"refresh_token": pair.Refresh,
		"token_type":    "bearer",
	})
}

func (c *Controller) validate(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !c.decode(w, r, &req) {
		return
	}
	alive, err := c.uc.Validate(r.Context(), req.RefreshToken)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]bool{"valid": alive})
}

func (c *Controller) logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !c.decode(w, r, &req) {
		return
	}
	if err := c.uc.Logout(r.Context(), req.RefreshToken); err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (c *Controller) me(w http.ResponseWriter, r *http.Request) {
	rec, ok := UserFrom(r.Context())
	if !ok {
		c.writeError(w, r, domainauth.ErrAuthentication)
		return
	}
	c.writeJSON(w, http.StatusOK, userResponse{
		ID:            rec.ID,
		Email:         rec.Email,
		EmailVerified: rec.EmailVerified,
		HasPassword:   rec.HasPassword(),
		LastLoginAt:   rec.LastLoginAt,
		CreatedAt:     rec.CreatedAt,
	})
}

func (c *Controller) deactivate(w http.ResponseWriter, r *http.Request) {
	rec, ok := UserFrom(r.Context())
	if !ok {
		c.writeError(w, r, domainauth.ErrAuthentication)
		return
	}
	if err := c.uc.DeactivateAccount(r.Context(), rec.ID); err != nil {
		c.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (c *Controller) changePassword(w http.ResponseWriter, r *http.Request) {
	rec, ok := UserFrom(r.Context())
	if !ok {
		c.writeError(w, r, domainauth.ErrAuthentication)
		return
	}
	var req changePasswordRequest
	if !c.decode(w, r, &req) {
		return
	}
	viaMagicLink := false
	if claims, ok := ClaimsFrom(r.Context()); ok {
		viaMagicLink = claims.AuthMethod == domainauth.AuthMethodMagicLink
	}
	if err := c.uc.ChangePassword(r.Context(), rec.ID, req.CurrentPassword, req.NewPassword, viaMagicLink); err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

func (c *Controller) logoutAll(w http.ResponseWriter, r *http.Request) {
	rec, ok := UserFrom(r.Context())
	if !ok {
		c.writeError(w, r, domainauth.ErrAuthentication)
		return
	}
	n, err := c.uc.LogoutAll(r.Context(), rec.ID)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

type sessionResponse struct {
	ID         uuid.UUID `json:"id"`
	DeviceInfo string    `json:"device_info"`
	IPAddress  string    `json:"ip_address"`
	Location   string    `json:"location"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	IsCurrent  bool      `json:"is_current"`
}

func (c *Controller) listSessions(w http.ResponseWriter, r *http.Request) {
	rec, ok := UserFrom(r.Context())
	if !ok {
		c.writeError(w, r, domainauth.ErrAuthentication)
		return
	}
	current := uuid.Nil
	if claims, ok := ClaimsFrom(r.Context()); ok {
		current = claims.FamilyID()
	}

	rows, err := c.uc.Sessions(r.Context(), rec.ID)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, sessionResponse{
			ID:         row.ID,
			DeviceInfo: row.DeviceInfo,
			IPAddress:  row.IPAddress,
			Location:   row.Location,
			LastUsedAt: row.LastUsedAt,
			CreatedAt:  row.CreatedAt,
			ExpiresAt:  row.ExpiresAt,
			IsCurrent:  current != uuid.Nil && row.Family == current,
		})
	}
	c.writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (c *Controller) revokeSession(w http.ResponseWriter, r *http.Request) {
	rec, ok := UserFrom(r.Context())
	if !ok {
		c.writeError(w, r, domainauth.ErrAuthentication)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		c.writeError(w, r, domainauth.ErrNotFound)
		return
	}
	if err := c.uc.RevokeSession(r.Context(), rec.ID, id); err != nil {
		c.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		c.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.log.Error("write response", zap.Error(err))
	}
}

// writeError is the single place errors become statuses. Every credential
// failure looks the same to the client; details stay in the logs.
func (c *Controller) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := obs.WithTrace(r.Context(), c.log)

	var status int
	var msg string
	switch {
	case errors.Is(err, domainauth.ErrTokenExpired):
		status, msg = http.StatusUnauthorized, "token expired"
	case errors.Is(err, domainauth.ErrTokenReuse),
		errors.Is(err, domainauth.ErrTokenInvalid),
		errors.Is(err, domainauth.ErrAuthentication):
		status, msg = http.StatusUnauthorized, "authentication failed"
	case errors.Is(err, domainauth.ErrRateLimited):
		status, msg = http.StatusTooManyRequests, "too many requests, try again later"
	case errors.Is(err, domainauth.ErrNotFound):
		status, msg = http.StatusNotFound, "not found"
	case errors.Is(err, ErrWeakPassword):
		status, msg = http.StatusBadRequest, "password must be at least 8 characters"
	default:
		status, msg = http.StatusInternalServerError, "internal error"
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	if status != http.StatusInternalServerError {
		log.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	c.writeJSON(w, status, map[string]string{"error": msg})
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
