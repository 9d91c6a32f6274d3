package auth

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lyceum-lms/lyceum-authz/internal/shared"
	_ "github.com/lyceum-lms/lyceum-authz/testing"
)

func testHandler(t *testing.T, repo *memRepo) (*Handler, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sessions := shared.NewSessionManager(client, "lyceum_authz_session", "test-secret", time.Hour, false)
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	return NewHandler(logger, NewService(repo), sessions), sessions
}

func performLogin(t *testing.T, h *Handler, sessions *shared.SessionManager, email, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	sess, err := sessions.Load(req.Context(), req)
	require.NoError(t, err)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	rec := httptest.NewRecorder()
	router := chi.NewRouter()
	h.MountRoutes(router)
	router.ServeHTTP(rec, req)
	require.NoError(t, sessions.Commit(req.Context(), rec, req, sess))
	return rec
}

func TestLoginSuccess(t *testing.T) {
	repo := newMemRepo()
	user := seedUser(t, repo, "dean@lyceum.test", "correct-horse-battery", true)
	h, sessions := testHandler(t, repo)

	rec := performLogin(t, h, sessions, "dean@lyceum.test", "correct-horse-battery")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, user.ID, resp["user_id"])
	require.NotEmpty(t, resp["expires_at"])

	// The session record lands in postgres for auditing.
	require.Len(t, repo.sessions, 1)
	for _, userID := range repo.sessions {
		require.Equal(t, user.ID, userID)
	}

	// And the session cookie is set once the manager commits. Result()
	// snapshots headers at the handler's WriteHeader, which runs before the
	// commit, so parse the cookie from the live header map instead.
	cookies := (&http.Response{Header: rec.Header()}).Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, "lyceum_authz_session", cookies[0].Name)
	require.NotEmpty(t, cookies[0].Value)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	repo := newMemRepo()
	seedUser(t, repo, "dean@lyceum.test", "correct-horse-battery", true)
	h, sessions := testHandler(t, repo)

	rec := performLogin(t, h, sessions, "dean@lyceum.test", "wrong-password-here")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, repo.sessions)
}

func TestLoginValidatesInput(t *testing.T) {
	h, sessions := testHandler(t, newMemRepo())

	rec := performLogin(t, h, sessions, "not-an-email", "short")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "validation failed", resp.Error)
	require.Equal(t, "email", resp.Fields["Email"])
	require.Equal(t, "min", resp.Fields["Password"])
}

func TestLogoutRemovesSession(t *testing.T) {
	repo := newMemRepo()
	repo.sessions["sess-1"] = "u1"
	h, _ := testHandler(t, repo)

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	sess := &shared.Session{ID: "sess-1"}
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	rec := httptest.NewRecorder()
	router := chi.NewRouter()
	h.MountRoutes(router)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, repo.sessions, "sess-1")
}
