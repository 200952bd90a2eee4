package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/mobileid-cli/apiclient"
	"github.com/go-authgate/mobileid-cli/credentials"
	"github.com/go-authgate/mobileid-cli/tui"
	"github.com/go-authgate/mobileid-cli/wakeup"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVER_URL", "CLIENT_ID", "TOKEN_FILE", "TOKEN_STORE", "REQUEST_TIMEOUT",
		"FAIL_OPEN", "HEALTH_PATH", "PROFILE_PATH", "LOGIN_PATH",
	} {
		t.Setenv(key, "")
	}
}

func TestGetConfig(t *testing.T) {
	t.Setenv("MOBILEID_TEST_KEY", "from-env")

	assert.Equal(t, "from-flag", getConfig("from-flag", "MOBILEID_TEST_KEY", "fallback"))
	assert.Equal(t, "from-env", getConfig("", "MOBILEID_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", getConfig("", "MOBILEID_TEST_UNSET", "fallback"))
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)

	var warn bytes.Buffer
	cfg, err := loadConfig(rootFlags{}, &warn)
	require.NoError(t, err)

	assert.Equal(t, defaultServerURL, cfg.ServerURL)
	assert.Equal(t, "default", cfg.ClientID)
	assert.Equal(t, storeFile, cfg.TokenStore)
	assert.Equal(t, defaultTokenFile, cfg.TokenFile)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.FailOpen)
	assert.Equal(t, defaultHealthPath, cfg.HealthPath)
	assert.Equal(t, defaultProfilePath, cfg.ProfilePath)
	assert.Equal(t, defaultLoginPath, cfg.LoginPath)
	assert.Contains(t, warn.String(), "Using HTTP instead of HTTPS")
}

func TestLoadConfig_FlagsOverrideEnv(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SERVER_URL", "https://env.example.com")
	t.Setenv("TOKEN_STORE", "sqlite")
	t.Setenv("REQUEST_TIMEOUT", "3s")
	t.Setenv("FAIL_OPEN", "false")
	t.Setenv("PROFILE_PATH", "/me/")

	var warn bytes.Buffer
	cfg, err := loadConfig(rootFlags{
		serverURL:      "https://flag.example.com/",
		requestTimeout: "7s",
	}, &warn)
	require.NoError(t, err)

	assert.Equal(t, "https://flag.example.com", cfg.ServerURL)
	assert.Equal(t, storeSQLite, cfg.TokenStore)
	assert.Equal(t, defaultTokenDB, cfg.TokenFile)
	assert.Equal(t, 7*time.Second, cfg.RequestTimeout)
	assert.False(t, cfg.FailOpen)
	assert.Equal(t, "/me/", cfg.ProfilePath)
	assert.Empty(t, warn.String())
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name  string
		flags rootFlags
		want  string
	}{
		{"bad scheme", rootFlags{serverURL: "ftp://example.com"}, "invalid SERVER_URL"},
		{"unknown store", rootFlags{tokenStore: "redis"}, "TOKEN_STORE must be"},
		{"bad timeout", rootFlags{requestTimeout: "soon"}, "invalid REQUEST_TIMEOUT"},
		{"zero timeout", rootFlags{requestTimeout: "0s"}, "must be positive"},
		{"bad fail-open", rootFlags{failOpen: "maybe"}, "invalid FAIL_OPEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			_, err := loadConfig(tt.flags, &bytes.Buffer{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_WarnsOnNonUUIDClientID(t *testing.T) {
	clearConfigEnv(t)

	var warn bytes.Buffer
	_, err := loadConfig(rootFlags{serverURL: "https://api.example.com", clientID: "laptop"}, &warn)
	require.NoError(t, err)
	assert.Contains(t, warn.String(), "doesn't appear to be a valid UUID")

	warn.Reset()
	_, err = loadConfig(rootFlags{
		serverURL: "https://api.example.com",
		clientID:  "0b7c2f4e-3c55-4a3f-9d8e-2f1a6b5c4d3e",
	}, &warn)
	require.NoError(t, err)
	assert.Empty(t, warn.String())
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://api.example.com", false},
		{"http://localhost:8000", false},
		{"", true},
		{"api.example.com", true},
		{"ftp://example.com", true},
		{"https://", true},
		{"://bad", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseHeaders(t *testing.T) {
	h, err := parseHeaders(nil)
	require.NoError(t, err)
	assert.Nil(t, h)

	h, err = parseHeaders([]string{"X-Trace: abc", "Accept-Language:fr", "X-Trace: def"})
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "def"}, h.Values("X-Trace"))
	assert.Equal(t, "fr", h.Get("Accept-Language"))

	_, err = parseHeaders([]string{"no-colon"})
	assert.Error(t, err)
	_, err = parseHeaders([]string{": value"})
	assert.Error(t, err)
}

func TestReadData(t *testing.T) {
	data, err := readData(`{"a":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"b":2}`), 0o600))
	data, err = readData("@" + path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2}`, string(data))

	_, err = readData("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestOpenPersister(t *testing.T) {
	for _, store := range []string{storeFile, storeSQLite} {
		t.Run(store, func(t *testing.T) {
			cfg := &config{
				TokenStore: store,
				TokenFile:  filepath.Join(t.TempDir(), "creds"),
				ClientID:   "default",
			}

			p, desc, closeFn, err := openPersister(cfg)
			require.NoError(t, err)
			assert.Contains(t, desc, cfg.TokenFile)

			ctx := context.Background()
			require.NoError(t, p.Save(ctx, credentials.Pair{Access: "a1", Refresh: "r1"}))
			got, err := p.Load(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "a1", got.Access)
			require.NoError(t, closeFn())
		})
	}
}

// backend is a minimal API server: /v1/items needs the current access
// credential, refresh rotates it, health reports healthy.
type backend struct {
	access      atomic.Value
	refreshOK   atomic.Bool
	unavailable atomic.Int32
	refreshes   atomic.Int32
}

func newBackend(t *testing.T) (*backend, *httptest.Server) {
	t.Helper()
	b := &backend{}
	b.access.Store("a2")
	b.refreshOK.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": wakeup.DefaultHealthyStatus})
	})
	mux.HandleFunc("POST /authn/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		b.refreshes.Add(1)
		if !b.refreshOK.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Token is invalid or expired","code":"token_not_valid"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access": b.access.Load().(string)})
	})
	mux.HandleFunc("/v1/items", func(w http.ResponseWriter, r *http.Request) {
		if b.unavailable.Load() > 0 {
			b.unavailable.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+b.access.Load().(string) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Given token not valid for any token type","code":"token_not_valid"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func testConfig(t *testing.T, serverURL string) *config {
	t.Helper()
	return &config{
		ServerURL:      serverURL,
		ClientID:       "default",
		TokenStore:     storeFile,
		TokenFile:      filepath.Join(t.TempDir(), "tokens.json"),
		RequestTimeout: 5 * time.Second,
		FailOpen:       true,
		HealthPath:     defaultHealthPath,
		ProfilePath:    defaultProfilePath,
		LoginPath:      defaultLoginPath,
	}
}

func seedCredentials(t *testing.T, cfg *config, pair credentials.Pair) {
	t.Helper()
	require.NoError(t, credentials.NewFileStore(cfg.TokenFile, cfg.ClientID).Save(context.Background(), pair))
}

func storedPair(t *testing.T, cfg *config) *credentials.Pair {
	t.Helper()
	pair, err := credentials.NewFileStore(cfg.TokenFile, cfg.ClientID).Load(context.Background())
	require.NoError(t, err)
	return pair
}

func TestCall_RefreshesAndPersists(t *testing.T) {
	_, srv := newBackend(t)
	cfg := testConfig(t, srv.URL)
	seedCredentials(t, cfg, credentials.Pair{Access: "a1", Refresh: "r1"})

	ctx := context.Background()
	a, err := newApp(ctx, cfg, tui.NoopDisplayer{})
	require.NoError(t, err)
	defer a.close()

	var out bytes.Buffer
	err = runCall(ctx, a, tui.NoopDisplayer{}, "/v1/items", callOptions{method: "get", parallel: 3}, &out)
	require.NoError(t, err)

	assert.Equal(t, 3, strings.Count(out.String(), `{"ok":true}`))
	assert.False(t, a.signedOut.Load())

	pair := storedPair(t, cfg)
	require.NotNil(t, pair)
	assert.Equal(t, "a2", pair.Access)
	assert.Equal(t, "r1", pair.Refresh)
}

func TestCall_UnrecoverableAuthSignsOut(t *testing.T) {
	b, srv := newBackend(t)
	b.refreshOK.Store(false)
	cfg := testConfig(t, srv.URL)
	seedCredentials(t, cfg, credentials.Pair{Access: "a1", Refresh: "r1"})

	ctx := context.Background()
	a, err := newApp(ctx, cfg, tui.NoopDisplayer{})
	require.NoError(t, err)
	defer a.close()

	err = runCall(ctx, a, tui.NoopDisplayer{}, "/v1/items", callOptions{method: http.MethodGet}, &bytes.Buffer{})
	require.ErrorIs(t, err, apiclient.ErrAuthenticationFailed)

	assert.Eventually(t, a.signedOut.Load, time.Second, 10*time.Millisecond)
	assert.Nil(t, a.store.Get())
	assert.Nil(t, storedPair(t, cfg))
}

func TestRunWithApp_SignOutHint(t *testing.T) {
	b, srv := newBackend(t)
	b.refreshOK.Store(false)
	cfg := testConfig(t, srv.URL)
	seedCredentials(t, cfg, credentials.Pair{Access: "a1", Refresh: "r1"})

	err := runWithApp(context.Background(), cfg, tui.NoopDisplayer{},
		func(ctx context.Context, a *app, d tui.Displayer) error {
			return runCall(ctx, a, d, "/v1/items", callOptions{method: http.MethodGet}, &bytes.Buffer{})
		})

	require.ErrorIs(t, err, apiclient.ErrAuthenticationFailed)
	require.ErrorIs(t, err, errSignedOut)
	assert.Contains(t, err.Error(), "run 'mobileid login'")
}

func TestWithSignOutHint(t *testing.T) {
	authErr := fmt.Errorf("GET /v1/items: %w", apiclient.ErrAuthenticationFailed)
	other := errors.New("boom")

	assert.NoError(t, withSignOutHint(nil, false))
	assert.ErrorIs(t, withSignOutHint(nil, true), errSignedOut)
	assert.Equal(t, other, withSignOutHint(other, false))

	err := withSignOutHint(other, true)
	assert.ErrorIs(t, err, other)
	assert.ErrorIs(t, err, errSignedOut)

	err = withSignOutHint(authErr, false)
	assert.ErrorIs(t, err, apiclient.ErrAuthenticationFailed)
	assert.ErrorIs(t, err, errSignedOut)
	assert.Equal(t, 1, strings.Count(withSignOutHint(err, true).Error(), "mobileid login"))
}

func TestCall_WaitsForUnavailableServer(t *testing.T) {
	b, srv := newBackend(t)
	b.unavailable.Store(1)
	cfg := testConfig(t, srv.URL)
	seedCredentials(t, cfg, credentials.Pair{Access: "a2", Refresh: "r1"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a, err := newApp(ctx, cfg, tui.NoopDisplayer{})
	require.NoError(t, err)
	defer a.close()

	var out bytes.Buffer
	err = runCall(ctx, a, tui.NoopDisplayer{}, "/v1/items", callOptions{method: http.MethodGet, wait: true}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `{"ok":true}`)
	assert.Equal(t, wakeup.Ready, a.poller.State().Phase)
}

func TestCall_NoWaitSurfacesUnavailable(t *testing.T) {
	b, srv := newBackend(t)
	b.unavailable.Store(1)
	cfg := testConfig(t, srv.URL)
	seedCredentials(t, cfg, credentials.Pair{Access: "a2", Refresh: "r1"})

	ctx := context.Background()
	a, err := newApp(ctx, cfg, tui.NoopDisplayer{})
	require.NoError(t, err)
	defer a.close()

	err = runCall(ctx, a, tui.NoopDisplayer{}, "/v1/items", callOptions{method: http.MethodGet}, &bytes.Buffer{})
	assert.ErrorIs(t, err, apiclient.ErrServerUnavailable)
}

func TestDescribeCallError(t *testing.T) {
	err := describeCallError(&apiclient.ValidationError{
		Status: http.StatusBadRequest,
		Fields: map[string]any{"email": []any{"This field is required."}},
	})
	assert.Contains(t, err.Error(), "email: [This field is required.]")

	var verr *apiclient.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSessionInfo(t *testing.T) {
	_, srv := newBackend(t)
	cfg := testConfig(t, srv.URL)

	a, err := newApp(context.Background(), cfg, tui.NoopDisplayer{})
	require.NoError(t, err)
	defer a.close()

	info := sessionInfo(a)
	assert.False(t, info.SignedIn)
	assert.Equal(t, srv.URL, info.Server)

	a.store.Set(credentials.Pair{Access: "abcdefghijklmnopqrstuvwxyz", Refresh: "r1"})
	info = sessionInfo(a)
	assert.True(t, info.SignedIn)
	assert.True(t, info.HasRefresh)
	assert.Equal(t, "abcdefghijkl", info.AccessPreview)
	assert.True(t, info.ExpiresAt.IsZero())
}
