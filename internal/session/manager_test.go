package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beatranks/session-service/internal/config"
	"github.com/beatranks/session-service/internal/idp"
	"github.com/beatranks/session-service/internal/pkce"
	"github.com/beatranks/session-service/internal/serviceerr"
	"github.com/beatranks/session-service/internal/session"
	sessionmock "github.com/beatranks/session-service/internal/session/mock"
)

const testCookieSecret = "12345678901234567890123456789012"

var testClaims = idp.Claims{
	Subject:     "user-42",
	Username:    "beatranks-user",
	DisplayName: "Beatranks User",
	CreatedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	ProfileURL:  "https://example.com/u/beatranks-user",
	AvatarURL:   "https://example.com/u/beatranks-user/avatar.png",
}

// fakeIdP is an httptest-backed identity provider implementing discovery, the
// token grants, userinfo and revocation. Refresh tokens are single use: a
// successful refresh invalidates the token that was presented.
type fakeIdP struct {
	srv *httptest.Server

	mu        sync.Mutex
	codes     map[string]idp.TokenSet
	refreshes map[string]idp.TokenSet
	claims    map[string]idp.Claims

	enforcePKCE bool

	refreshCalls  int
	userinfoCalls int
	revokeCalls   int
}

func newFakeIdP(t *testing.T, enforcePKCE bool) *fakeIdP {
	t.Helper()

	f := &fakeIdP{
		codes:       make(map[string]idp.TokenSet),
		refreshes:   make(map[string]idp.TokenSet),
		claims:      make(map[string]idp.Claims),
		enforcePKCE: enforcePKCE,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", f.handleDiscovery)
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/userinfo", f.handleUserinfo)
	mux.HandleFunc("/revoke", f.handleRevoke)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeIdP) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	conf := idp.Configuration{
		Issuer:                f.srv.URL,
		AuthorizationEndpoint: f.srv.URL + "/authorize",
		TokenEndpoint:         f.srv.URL + "/token",
		UserinfoEndpoint:      f.srv.URL + "/userinfo",
		RevocationEndpoint:    f.srv.URL + "/revoke",
	}
	if f.enforcePKCE {
		conf.CodeChallengeMethodsSupported = []string{"S256"}
	}

	_ = json.NewEncoder(w).Encode(conf)
}

func (f *fakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		tokens idp.TokenSet
		ok     bool
	)

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		tokens, ok = f.codes[r.PostFormValue("code")]
	case "refresh_token":
		f.refreshCalls++
		presented := r.PostFormValue("refresh_token")
		tokens, ok = f.refreshes[presented]
		if ok {
			delete(f.refreshes, presented)
		}
	}

	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	_ = json.NewEncoder(w).Encode(tokens)
}

func (f *fakeIdP) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.userinfoCalls++

	claims, ok := f.claims[accessTokenFromHeader(r)]
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	_ = json.NewEncoder(w).Encode(claims)
}

func (f *fakeIdP) handleRevoke(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.revokeCalls++
	w.WriteHeader(http.StatusOK)
}

func accessTokenFromHeader(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) {
		return ""
	}
	return auth[len(prefix):]
}

// grantCode registers an authorization code and the claims behind its access
// token.
func (f *fakeIdP) grantCode(code string, tokens idp.TokenSet) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.codes[code] = tokens
	f.claims[tokens.AccessToken] = testClaims
}

// grantRefresh registers a single-use refresh token rotation.
func (f *fakeIdP) grantRefresh(refreshToken string, next idp.TokenSet) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refreshes[refreshToken] = next
	f.claims[next.AccessToken] = testClaims
}

func (f *fakeIdP) dropAccessToken(accessToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.claims, accessToken)
}

func (f *fakeIdP) counters() (refresh, userinfo, revoke int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.refreshCalls, f.userinfoCalls, f.revokeCalls
}

func newTestManager(t *testing.T, f *fakeIdP, repo session.Repository) *session.Manager {
	t.Helper()

	client, err := idp.NewClient(idp.Options{
		IssuerURL:   f.srv.URL,
		ClientID:    "beatranks-web",
		RedirectURL: "http://svc.example.com/auth/callback",
		Scopes:      []string{"openid", "profile"},
	})
	require.NoError(t, err, "creating idp client")

	m, err := session.NewManager(&config.Auth{
		CookieSecret: commoncfg.SourceRef{
			Source: "embedded",
			Value:  testCookieSecret,
		},
		FlowWindow:      10 * time.Minute,
		SessionDuration: 720 * time.Hour,
	}, client, repo)
	require.NoError(t, err, "creating manager")

	return m
}

func TestManager_BeginLogin(t *testing.T) {
	tests := []struct {
		name        string
		enforcePKCE bool
		wantState   bool
	}{
		{
			name:        "PKCE enforced, no state",
			enforcePKCE: true,
			wantState:   false,
		},
		{
			name:        "PKCE not advertised, state carried",
			enforcePKCE: false,
			wantState:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeIdP(t, tt.enforcePKCE)
			m := newTestManager(t, f, sessionmock.NewInMemRepository())

			login, err := m.BeginLogin(t.Context())
			require.NoError(t, err, "Manager.BeginLogin() error")

			u, err := url.Parse(login.URL)
			require.NoError(t, err, "parsing auth URL")

			q := u.Query()
			assert.Equal(t, "code", q.Get("response_type"), "Unexpected response type")
			assert.Equal(t, "beatranks-web", q.Get("client_id"), "Unexpected client id")
			assert.Equal(t, "openid profile", q.Get("scope"), "Unexpected scope")
			assert.Equal(t, "S256", q.Get("code_challenge_method"), "Unexpected challenge method")
			assert.Equal(t, "http://svc.example.com/auth/callback", q.Get("redirect_uri"), "Unexpected redirect URI")

			// the challenge in the URL must be the S256 transform of the
			// verifier handed back for the flow cookie
			assert.Equal(t, pkce.ChallengeFromVerifier(login.Verifier), q.Get("code_challenge"), "Challenge does not match verifier")

			if tt.wantState {
				assert.NotEmpty(t, login.State, "State is zero")
				assert.Equal(t, login.State, q.Get("state"), "State in URL does not match")
			} else {
				assert.Empty(t, login.State, "State should be empty when the provider enforces S256")
				assert.Empty(t, q.Get("state"), "URL should carry no state")
			}
		})
	}
}

func TestManager_FinaliseLogin(t *testing.T) {
	tests := []struct {
		name      string
		tokens    idp.TokenSet
		errAssert assert.ErrorAssertionFunc
	}{
		{
			name: "Success",
			tokens: idp.TokenSet{
				AccessToken:      "at-1",
				RefreshToken:     "rt-1",
				ExpiresIn:        300,
				RefreshExpiresIn: 3600,
			},
			errAssert: assert.NoError,
		},
		{
			name: "No refresh token",
			tokens: idp.TokenSet{
				AccessToken: "at-1",
				ExpiresIn:   300,
			},
			errAssert: func(t assert.TestingT, err error, msgAndArgs ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrNoRefreshToken, msgAndArgs...)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeIdP(t, true)
			f.grantCode("auth-code", tt.tokens)

			repo := sessionmock.NewInMemRepository()
			m := newTestManager(t, f, repo)

			established, err := m.FinaliseLogin(t.Context(), "auth-code", "some-verifier")
			if !tt.errAssert(t, err, "Manager.FinaliseLogin() error") || err != nil {
				assert.Equal(t, 0, repo.Len(), "No session should be stored on a failed login")
				return
			}

			assert.NotEmpty(t, established.Token, "Token is zero")
			assert.Equal(t, testClaims, established.Claims, "Unexpected claims")
			assert.Equal(t, 1, repo.Len(), "Exactly one session should be stored")

			// the raw bearer token must never be a lookup key
			_, err = repo.Load(t.Context(), established.Token)
			assert.ErrorIs(t, err, serviceerr.ErrNotFound, "Store must be keyed by hash, not by the raw token")

			stored, err := repo.Load(t.Context(), session.HashToken(established.Token))
			require.NoError(t, err, "loading by hash")
			assert.Equal(t, testClaims.Subject, stored.UserID, "Unexpected user id")
			assert.Equal(t, "at-1", stored.AccessToken, "Unexpected access token")
			assert.Equal(t, "rt-1", stored.RefreshToken, "Unexpected refresh token")
			assert.False(t, stored.RefreshExpiresAt.Before(stored.AccessExpiresAt), "Refresh window must cover the access window")
		})
	}
}

func TestManager_Authenticate(t *testing.T) {
	now := time.Now()

	seed := session.Session{
		UserID:           testClaims.Subject,
		AccessToken:      "at-old",
		RefreshToken:     "rt-old",
		AccessExpiresAt:  now.Add(5 * time.Minute),
		RefreshExpiresAt: now.Add(time.Hour),
	}

	tests := []struct {
		name        string
		seed        func(s session.Session) session.Session
		prepare     func(f *fakeIdP)
		wantRotated bool
		wantRefresh int
		wantRows    int
		errAssert   assert.ErrorAssertionFunc
	}{
		{
			name:        "Valid access token",
			seed:        func(s session.Session) session.Session { return s },
			prepare:     func(f *fakeIdP) {},
			wantRotated: false,
			wantRefresh: 0,
			wantRows:    1,
			errAssert:   assert.NoError,
		},
		{
			name: "Access expired, refresh rotates",
			seed: func(s session.Session) session.Session {
				s.AccessExpiresAt = now.Add(-time.Second)
				return s
			},
			prepare: func(f *fakeIdP) {
				f.grantRefresh("rt-old", idp.TokenSet{
					AccessToken:      "at-new",
					RefreshToken:     "rt-new",
					ExpiresIn:        300,
					RefreshExpiresIn: 3600,
				})
			},
			wantRotated: true,
			wantRefresh: 1,
			wantRows:    1,
			errAssert:   assert.NoError,
		},
		{
			name: "Access expires exactly now",
			seed: func(s session.Session) session.Session {
				s.AccessExpiresAt = now
				return s
			},
			prepare: func(f *fakeIdP) {
				f.grantRefresh("rt-old", idp.TokenSet{
					AccessToken:      "at-new",
					RefreshToken:     "rt-new",
					ExpiresIn:        300,
					RefreshExpiresIn: 3600,
				})
			},
			wantRotated: true,
			wantRefresh: 1,
			wantRows:    1,
			errAssert:   assert.NoError,
		},
		{
			name: "Refresh window closed",
			seed: func(s session.Session) session.Session {
				s.AccessExpiresAt = now.Add(-time.Hour)
				s.RefreshExpiresAt = now.Add(-time.Second)
				return s
			},
			prepare:     func(f *fakeIdP) {},
			wantRefresh: 0,
			wantRows:    0,
			errAssert: func(t assert.TestingT, err error, msgAndArgs ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrSessionExpired, msgAndArgs...)
			},
		},
		{
			name: "Refresh rejected upstream",
			seed: func(s session.Session) session.Session {
				s.AccessExpiresAt = now.Add(-time.Second)
				return s
			},
			prepare:     func(f *fakeIdP) {},
			wantRefresh: 1,
			wantRows:    0,
			errAssert: func(t assert.TestingT, err error, msgAndArgs ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrSessionExpired, msgAndArgs...)
			},
		},
		{
			name: "Userinfo rejects a locally valid token, refresh recovers",
			seed: func(s session.Session) session.Session { return s },
			prepare: func(f *fakeIdP) {
				f.dropAccessToken("at-old")
				f.grantRefresh("rt-old", idp.TokenSet{
					AccessToken:      "at-new",
					RefreshToken:     "rt-new",
					ExpiresIn:        300,
					RefreshExpiresIn: 3600,
				})
			},
			wantRotated: true,
			wantRefresh: 1,
			wantRows:    1,
			errAssert:   assert.NoError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const rawToken = "raw-bearer-token"

			f := newFakeIdP(t, true)
			f.mu.Lock()
			f.claims["at-old"] = testClaims
			f.mu.Unlock()
			tt.prepare(f)

			s := tt.seed(seed)
			s.Hash = session.HashToken(rawToken)

			repo := sessionmock.NewInMemRepository(sessionmock.WithSession(s))
			m := newTestManager(t, f, repo)

			identity, err := m.Authenticate(t.Context(), rawToken)

			refresh, _, _ := f.counters()
			assert.Equal(t, tt.wantRefresh, refresh, "Unexpected number of refresh calls")
			assert.Equal(t, tt.wantRows, repo.Len(), "Unexpected number of stored sessions")

			if !tt.errAssert(t, err, "Manager.Authenticate() error") || err != nil {
				return
			}

			assert.Equal(t, testClaims, identity.Claims, "Unexpected claims")
			assert.Equal(t, rawToken, identity.Token, "The bearer token must survive a rotation unchanged")
			assert.Equal(t, tt.wantRotated, identity.Rotated, "Unexpected rotation flag")

			stored, err := repo.Load(t.Context(), s.Hash)
			require.NoError(t, err, "loading the session back")
			if tt.wantRotated {
				assert.Equal(t, "at-new", stored.AccessToken, "Access token was not rotated")
				assert.Equal(t, "rt-new", stored.RefreshToken, "Refresh token was not rotated")
				assert.True(t, stored.AccessExpiresAt.After(now), "Rotated access expiry must move forward")
			} else {
				assert.Equal(t, "at-old", stored.AccessToken, "Access token must not change without a refresh")
			}
		})
	}
}

func TestManager_Authenticate_NoSession(t *testing.T) {
	f := newFakeIdP(t, true)
	m := newTestManager(t, f, sessionmock.NewInMemRepository())

	_, err := m.Authenticate(t.Context(), "")
	assert.ErrorIs(t, err, serviceerr.ErrNoSession, "Empty token must read as no session")

	_, err = m.Authenticate(t.Context(), "unknown-token")
	assert.ErrorIs(t, err, serviceerr.ErrNoSession, "Unknown token must read as no session")
}

func TestManager_Authenticate_ConcurrentRefresh(t *testing.T) {
	const (
		rawToken = "raw-bearer-token"
		workers  = 16
	)

	f := newFakeIdP(t, true)
	// rt-old is single use: a second refresh attempt with it would fail
	f.grantRefresh("rt-old", idp.TokenSet{
		AccessToken:      "at-new",
		RefreshToken:     "rt-new",
		ExpiresIn:        300,
		RefreshExpiresIn: 3600,
	})

	repo := sessionmock.NewInMemRepository(sessionmock.WithSession(session.Session{
		Hash:             session.HashToken(rawToken),
		UserID:           testClaims.Subject,
		AccessToken:      "at-old",
		RefreshToken:     "rt-old",
		AccessExpiresAt:  time.Now().Add(-time.Second),
		RefreshExpiresAt: time.Now().Add(time.Hour),
	}))
	m := newTestManager(t, f, repo)

	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Authenticate(t.Context(), rawToken)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "worker %d", i)
	}

	refresh, _, _ := f.counters()
	assert.Equal(t, 1, refresh, "Exactly one refresh exchange must reach the provider")

	stored, err := repo.Load(t.Context(), session.HashToken(rawToken))
	require.NoError(t, err, "loading the session back")
	assert.Equal(t, "rt-new", stored.RefreshToken, "Refresh token was not rotated")
}

// staleLoadRepository serves a captured row for a limited number of loads,
// modelling a reader that fetched the session just before a concurrent
// rotation finished.
type staleLoadRepository struct {
	session.Repository

	mu        sync.Mutex
	stale     session.Session
	remaining int
}

func (r *staleLoadRepository) Load(ctx context.Context, hash string) (session.Session, error) {
	r.mu.Lock()
	if r.remaining > 0 && hash == r.stale.Hash {
		r.remaining--
		r.mu.Unlock()

		return r.stale, nil
	}
	r.mu.Unlock()

	return r.Repository.Load(ctx, hash)
}

func TestManager_Authenticate_StaleSnapshotAfterRotation(t *testing.T) {
	const rawToken = "raw-bearer-token"

	f := newFakeIdP(t, true)
	// rt-old is single use: a second refresh attempt with it would fail
	f.grantRefresh("rt-old", idp.TokenSet{
		AccessToken:      "at-new",
		RefreshToken:     "rt-new",
		ExpiresIn:        300,
		RefreshExpiresIn: 3600,
	})

	preRotation := session.Session{
		Hash:             session.HashToken(rawToken),
		UserID:           testClaims.Subject,
		AccessToken:      "at-old",
		RefreshToken:     "rt-old",
		AccessExpiresAt:  time.Now().Add(-time.Second),
		RefreshExpiresAt: time.Now().Add(time.Hour),
	}

	repo := &staleLoadRepository{
		Repository: sessionmock.NewInMemRepository(sessionmock.WithSession(preRotation)),
		stale:      preRotation,
	}
	m := newTestManager(t, f, repo)

	identity, err := m.Authenticate(t.Context(), rawToken)
	require.NoError(t, err, "rotating the session")
	require.True(t, identity.Rotated, "The first call must rotate the session")

	// a reader that loaded the row before the rotation completed now walks
	// into the refresh path with its stale snapshot
	repo.mu.Lock()
	repo.remaining = 1
	repo.mu.Unlock()

	identity, err = m.Authenticate(t.Context(), rawToken)
	require.NoError(t, err, "The stale reader must pick up the rotated session")
	assert.Equal(t, testClaims, identity.Claims, "Unexpected claims")

	refresh, _, _ := f.counters()
	assert.Equal(t, 1, refresh, "The stale snapshot must not spend a second refresh exchange")

	// the rotated session must survive the stale reader
	stored, err := repo.Load(t.Context(), session.HashToken(rawToken))
	require.NoError(t, err, "loading the session back")
	assert.Equal(t, "rt-new", stored.RefreshToken, "Unexpected refresh token")
}

func TestManager_Logout(t *testing.T) {
	const rawToken = "raw-bearer-token"

	f := newFakeIdP(t, true)
	repo := sessionmock.NewInMemRepository(sessionmock.WithSession(session.Session{
		Hash:             session.HashToken(rawToken),
		UserID:           testClaims.Subject,
		AccessToken:      "at-1",
		RefreshToken:     "rt-1",
		AccessExpiresAt:  time.Now().Add(5 * time.Minute),
		RefreshExpiresAt: time.Now().Add(time.Hour),
	}))
	m := newTestManager(t, f, repo)

	m.Logout(t.Context(), rawToken)

	assert.Equal(t, 0, repo.Len(), "The session row must be gone")
	_, _, revoke := f.counters()
	assert.Equal(t, 1, revoke, "The refresh token must be revoked upstream")

	// logging out again is a no-op, not an error
	m.Logout(t.Context(), rawToken)
	_, _, revoke = f.counters()
	assert.Equal(t, 1, revoke, "A second logout must not revoke again")

	m.Logout(t.Context(), "")
}

func TestManager_SessionCookieRoundTrip(t *testing.T) {
	f := newFakeIdP(t, true)
	m := newTestManager(t, f, sessionmock.NewInMemRepository())

	expiresAt := time.Now().Add(time.Hour)
	cookie := m.MakeSessionCookie(t.Context(), "raw-bearer-token", expiresAt)

	assert.Equal(t, "bs_session", cookie.Name, "Unexpected cookie name")
	assert.NotContains(t, cookie.Value, "raw-bearer-token", "The cookie value must be signed, not the raw token")
	assert.InDelta(t, 3600, cookie.MaxAge, 5, "Cookie lifetime must track the session expiry")

	r := httptest.NewRequest(http.MethodGet, "/auth/whoami", nil)
	r.AddCookie(cookie)
	assert.Equal(t, "raw-bearer-token", m.TokenFromRequest(r), "Round trip must recover the token")

	// a tampered cookie reads as no token at all
	tampered := *cookie
	tampered.Value += "x"
	r = httptest.NewRequest(http.MethodGet, "/auth/whoami", nil)
	r.AddCookie(&tampered)
	assert.Empty(t, m.TokenFromRequest(r), "A tampered cookie must not verify")
}

func TestManager_FlowCookies(t *testing.T) {
	f := newFakeIdP(t, false)
	m := newTestManager(t, f, sessionmock.NewInMemRepository())

	login, err := m.BeginLogin(t.Context())
	require.NoError(t, err, "Manager.BeginLogin() error")
	require.NotEmpty(t, login.State, "State expected without enforced S256")

	cookies := m.MakeFlowCookies(login)
	require.Len(t, cookies, 2, "Verifier and state cookies expected")

	r := httptest.NewRequest(http.MethodGet, "/auth/callback", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}

	assert.Equal(t, login.Verifier, m.VerifierFromRequest(r), "Round trip must recover the verifier")
	assert.Equal(t, login.State, m.StateFromRequest(r), "Round trip must recover the state")

	for _, c := range m.ClearFlowCookies() {
		assert.Equal(t, -1, c.MaxAge, "Clearing cookies must expire them")
	}
}
