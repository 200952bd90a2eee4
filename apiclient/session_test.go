package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/mobileid-cli/credentials"
)

// memPersister is an in-memory credentials.Persister.
type memPersister struct {
	pair *credentials.Pair
}

func (m *memPersister) Load(context.Context) (*credentials.Pair, error) { return m.pair, nil }

func (m *memPersister) Save(_ context.Context, p credentials.Pair) error {
	m.pair = &p
	return nil
}

func (m *memPersister) Delete(context.Context) error {
	m.pair = nil
	return nil
}

func TestLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/authn/csrf/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"csrfToken": "tok"})
	})
	mux.HandleFunc("POST /authn/login/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch {
		case r.Header.Get("Authorization") != "":
			http.Error(w, "login must be anonymous", http.StatusTeapot)
		case r.Header.Get(DefaultCSRFHeader) != "tok":
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "CSRF Failed"})
		case body["username"] == "":
			writeJSON(w, http.StatusBadRequest, map[string]any{"username": []string{"This field is required."}})
		case body["password"] != "secret":
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "No active account"})
		default:
			writeJSON(w, http.StatusOK, map[string]string{"access": "a", "refresh": "b"})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	seed(c, "stale", "")
	ctx := context.Background()

	err := c.Login(ctx, "/authn/login/", map[string]string{"password": "x"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "username")

	err = c.Login(ctx, "/authn/login/", map[string]string{"username": "ada", "password": "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, c.Login(ctx, "/authn/login/", map[string]string{"username": "ada", "password": "secret"}))
	assert.Equal(t, &credentials.Pair{Access: "a", Refresh: "b"}, c.Store().Get())
}

func TestLogout_ClearsLocalStateEvenWhenRequestFails(t *testing.T) {
	var revoked atomic.Value
	var status atomic.Int32
	status.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/authn/csrf/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"csrfToken": "tok"})
	})
	mux.HandleFunc("POST /authn/logout/", func(w http.ResponseWriter, r *http.Request) {
		var body refreshRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		revoked.Store(body.Refresh)
		w.WriteHeader(int(status.Load()))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	session := NewMemorySessionCache()
	c := newTestClient(t, srv.URL, WithSessionCache(session))

	seed(c, "a", "b")
	session.Set(ProfileKey, "cached")
	c.Logout(context.Background())
	assert.Equal(t, "b", revoked.Load())
	assert.Nil(t, c.Store().Get())
	_, ok := session.Get(ProfileKey)
	assert.False(t, ok)

	status.Store(http.StatusBadRequest)
	seed(c, "a2", "b2")
	c.Logout(context.Background())
	assert.Equal(t, "b2", revoked.Load())
	assert.Nil(t, c.Store().Get())
}

func TestVerifySession(t *testing.T) {
	var profileStatus atomic.Int32
	profileStatus.Store(http.StatusOK)
	mux := http.NewServeMux()
	mux.HandleFunc("/authn/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "token_not_valid"})
	})
	mux.HandleFunc("GET /authn/me/", func(w http.ResponseWriter, r *http.Request) {
		if status := int(profileStatus.Load()); status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"username": "ada"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	ctx := context.Background()

	t.Run("no credentials", func(t *testing.T) {
		c := newTestClient(t, srv.URL)
		assert.False(t, c.VerifySession(ctx, "/authn/me/"))
	})

	t.Run("valid session caches profile", func(t *testing.T) {
		session := NewMemorySessionCache()
		c := newTestClient(t, srv.URL, WithSessionCache(session))
		seed(c, "a", "b")

		assert.True(t, c.VerifySession(ctx, "/authn/me/"))
		profile, ok := session.Get(ProfileKey)
		require.True(t, ok)
		assert.Equal(t, map[string]any{"username": "ada"}, profile)
	})

	t.Run("outage fails open by default", func(t *testing.T) {
		profileStatus.Store(http.StatusServiceUnavailable)
		defer profileStatus.Store(http.StatusOK)

		c := newTestClient(t, srv.URL)
		seed(c, "a", "b")
		assert.True(t, c.VerifySession(ctx, "/authn/me/"))

		closed := newTestClient(t, srv.URL, WithFailOpen(false))
		seed(closed, "a", "b")
		assert.False(t, closed.VerifySession(ctx, "/authn/me/"))
	})

	t.Run("auth failure is never failed open", func(t *testing.T) {
		profileStatus.Store(http.StatusUnauthorized)
		defer profileStatus.Store(http.StatusOK)

		c := newTestClient(t, srv.URL)
		seed(c, "a", "b")
		assert.False(t, c.VerifySession(ctx, "/authn/me/"))
		assert.Nil(t, c.Store().Get())
	})
}

func TestReload(t *testing.T) {
	persister := &memPersister{}
	store := credentials.NewStore(credentials.WithPersister(persister))
	c := newTestClient(t, "http://127.0.0.1:1", WithStore(store))
	seed(c, "mem-a", "mem-b")
	persister.pair = &credentials.Pair{Access: "disk-a", Refresh: "disk-b"}

	c.csrfToken = "old"
	c.session.Set(ProfileKey, "cached")

	c.Reload()

	assert.Equal(t, &credentials.Pair{Access: "disk-a", Refresh: "disk-b"}, c.Store().Get())
	assert.Equal(t, "", c.cachedCSRF())
	_, ok := c.session.Get(ProfileKey)
	assert.False(t, ok)
}

func TestMemorySessionCache(t *testing.T) {
	m := NewMemorySessionCache()
	_, ok := m.Get("k")
	assert.False(t, ok)

	m.Set("k", 1)
	v, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	m.Clear()
	_, ok = m.Get("k")
	assert.False(t, ok)
}
