package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *harness) {
	t.Helper()
	h := newHarness(t)
	r := chi.NewRouter()
	NewController(h.uc, nil).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, h
}

func postJSON(t *testing.T, url, bearer string, body any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestLoginEndpoint(t *testing.T) {
	srv, h := newTestServer(t)
	h.addUser(t, "alice@example.com", "correct horse", true)

	resp, body := postJSON(t, srv.URL+"/v1/auth/login", "", map[string]any{
		"email":       "alice@example.com",
		"password":    "correct horse",
		"remember_me": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		User         struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.NotEmpty(t, out.AccessToken)
	assert.NotEmpty(t, out.RefreshToken)
	assert.Equal(t, "alice@example.com", out.User.Email)
}

func TestLoginEndpointRejectsBadCredentials(t *testing.T) {
	srv, h := newTestServer(t)
	h.addUser(t, "alice@example.com", "correct horse", true)

	resp, _ := postJSON(t, srv.URL+"/v1/auth/login", "", map[string]any{
		"email":    "alice@example.com",
		"password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRefreshEndpointStatusCodes(t *testing.T) {
	srv, h := newTestServer(t)
	h.addUser(t, "alice@example.com", "correct horse", true)

	resp, body := postJSON(t, srv.URL+"/v1/auth/login", "", map[string]any{
		"email": "alice@example.com", "password": "correct horse",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login struct {
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.Unmarshal(body, &login))

	resp, _ = postJSON(t, srv.URL+"/v1/auth/refresh", "", map[string]string{
		"refresh_token": login.RefreshToken,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Replay: reuse containment surfaces as 401.
	resp, _ = postJSON(t, srv.URL+"/v1/auth/refresh", "", map[string]string{
		"refresh_token": login.RefreshToken,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = postJSON(t, srv.URL+"/v1/auth/refresh", "", map[string]string{
		"refresh_token": "never-issued",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMagicLinkRateLimitStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp, _ := postJSON(t, srv.URL+"/v1/auth/magic-link", "", map[string]string{
			"email": "alice@example.com",
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp, _ := postJSON(t, srv.URL+"/v1/auth/magic-link", "", map[string]string{
		"email": "alice@example.com",
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/users/sessions", nil)
	require.NoError(t, err)
	resp, _ := do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/v1/users/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer garbage")
	resp, _ = do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionsEndpointFlagsCurrent(t *testing.T) {
	srv, h := newTestServer(t)
	h.addUser(t, "alice@example.com", "correct horse", true)

	_, body := postJSON(t, srv.URL+"/v1/auth/login", "", map[string]any{
		"email": "alice@example.com", "password": "correct horse",
	})
	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(body, &login))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/users/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	resp, body := do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out struct {
		Sessions []struct {
			ID        uuid.UUID `json:"id"`
			IsCurrent bool      `json:"is_current"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Sessions, 1)
	assert.True(t, out.Sessions[0].IsCurrent)
}

func TestRevokeUnknownSessionIs404(t *testing.T) {
	srv, h := newTestServer(t)
	h.addUser(t, "alice@example.com", "correct horse", true)

	_, body := postJSON(t, srv.URL+"/v1/auth/login", "", map[string]any{
		"email": "alice@example.com", "password": "correct horse",
	})
	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(body, &login))

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/users/sessions/"+uuid.NewString(), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	resp, _ := do(t, req)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLogoutEndpointIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/v1/auth/logout", "", map[string]string{
		"refresh_token": "never-issued",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
