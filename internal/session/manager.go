// Package session owns the credential lifecycle: building the authorization
// request, finalising the code exchange into a persisted session, validating
// and refreshing sessions on every authenticated request, and revoking them
// on logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/beatranks/session-service/internal/config"
	"github.com/beatranks/session-service/internal/idp"
	"github.com/beatranks/session-service/internal/pkce"
	"github.com/beatranks/session-service/internal/serviceerr"
)

type Manager struct {
	idp      *idp.Client
	sessions Repository
	pkce     pkce.Source
	signer   CookieSigner

	flowWindow      time.Duration
	sessionDuration time.Duration

	sessionCookieTemplate  config.CookieTemplate
	verifierCookieTemplate config.CookieTemplate
	stateCookieTemplate    config.CookieTemplate

	// refreshGroup serialises refresh attempts per session hash so a burst
	// of requests over the same expired access token produces exactly one
	// upstream refresh call.
	refreshGroup singleflight.Group

	revocationFailures metric.Int64Counter
}

// Login is a prepared authorization request. State is empty when the
// provider advertises S256 enforcement, in which case PKCE alone binds the
// callback to this attempt.
type Login struct {
	URL      string
	Verifier string
	State    string
}

// Established is a freshly created session after a successful code exchange.
type Established struct {
	Token            string
	Claims           idp.Claims
	RefreshExpiresAt time.Time
}

// Identity is the outcome of validating a bearer token. Rotated reports that
// the session was refreshed and the cookie must be re-issued with the new
// expiry.
type Identity struct {
	Claims           idp.Claims
	Token            string
	Rotated          bool
	RefreshExpiresAt time.Time
}

func NewManager(cfg *config.Auth, idpClient *idp.Client, sessions Repository) (*Manager, error) {
	cookieSecret, err := commoncfg.LoadValueFromSourceRef(cfg.CookieSecret)
	if err != nil {
		return nil, fmt.Errorf("loading cookie secret from source ref: %w", err)
	}

	signer, err := NewCookieSigner([]byte(cookieSecret))
	if err != nil {
		return nil, err
	}

	meter := otel.Meter("beatranks/session-service")
	revocationFailures, err := meter.Int64Counter(
		"auth.revocation_failures",
		metric.WithDescription("Upstream revocation calls that failed during logout"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating revocation_failures meter: %w", err)
	}

	m := &Manager{
		idp:                    idpClient,
		sessions:               sessions,
		signer:                 signer,
		flowWindow:             cfg.FlowWindow,
		sessionDuration:        cfg.SessionDuration,
		sessionCookieTemplate:  cfg.SessionCookieTemplate,
		verifierCookieTemplate: cfg.VerifierCookieTemplate,
		stateCookieTemplate:    cfg.StateCookieTemplate,
		revocationFailures:     revocationFailures,
	}

	if m.flowWindow <= 0 {
		m.flowWindow = 10 * time.Minute
	}
	if m.sessionDuration <= 0 {
		m.sessionDuration = 30 * 24 * time.Hour
	}
	if m.sessionCookieTemplate.Name == "" {
		m.sessionCookieTemplate.Name = "bs_session"
	}
	if m.verifierCookieTemplate.Name == "" {
		m.verifierCookieTemplate.Name = "bs_verifier"
	}
	if m.stateCookieTemplate.Name == "" {
		m.stateCookieTemplate.Name = "bs_state"
	}

	return m, nil
}

// BeginLogin produces the authorization URL and the flow secrets the handler
// stores in short-lived cookies.
func (m *Manager) BeginLogin(ctx context.Context) (Login, error) {
	conf, err := m.idp.Discover(ctx)
	if err != nil {
		return Login{}, fmt.Errorf("getting an openid config: %w", err)
	}

	p := m.pkce.PKCE()

	var state string
	if !conf.EnforcesPKCE() {
		// the provider does not promise to enforce the challenge, so carry
		// our own anti-replay nonce through the round trip
		state = m.pkce.State()
	}

	u, err := m.authURI(conf, p, state)
	if err != nil {
		return Login{}, fmt.Errorf("generating auth uri: %w", err)
	}

	return Login{URL: u, Verifier: p.Verifier, State: state}, nil
}

func (m *Manager) authURI(conf idp.Configuration, p pkce.PKCE, state string) (string, error) {
	u, err := url.Parse(conf.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing authorisation endpoint url: %w", err)
	}

	q := u.Query()
	q.Set("scope", strings.Join(m.idp.Scopes(), " "))
	q.Set("response_type", "code")
	q.Set("client_id", m.idp.ClientID())
	q.Set("code_challenge", p.Challenge)
	q.Set("code_challenge_method", p.Method)
	q.Set("redirect_uri", m.idp.RedirectURL())
	if state != "" {
		q.Set("state", state)
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}

// FinaliseLogin exchanges the authorization code and persists the resulting
// session. A token set without a refresh token fails the login: this service
// depends on silent renewal.
func (m *Manager) FinaliseLogin(ctx context.Context, code, verifier string) (Established, error) {
	tokens, err := m.idp.Exchange(ctx, code, verifier)
	if err != nil {
		return Established{}, fmt.Errorf("exchanging code for tokens: %w", err)
	}

	slogctx.Info(ctx, "Exchanged the auth code for tokens")

	if tokens.RefreshToken == "" {
		return Established{}, serviceerr.ErrNoRefreshToken
	}

	claims, err := m.idp.Userinfo(ctx, tokens.AccessToken)
	if err != nil {
		return Established{}, fmt.Errorf("fetching claims: %w", err)
	}

	if tokens.IDToken != "" {
		subject, err := m.idp.VerifyIDToken(ctx, tokens.IDToken)
		if err != nil {
			return Established{}, fmt.Errorf("verifying id token: %w", err)
		}
		if subject != claims.Subject {
			return Established{}, fmt.Errorf("%w: id token subject does not match userinfo", serviceerr.ErrInvalidClaims)
		}
	}

	token := m.pkce.SessionToken()
	now := time.Now()

	session := Session{
		Hash:             HashToken(token),
		UserID:           claims.Subject,
		AccessToken:      tokens.AccessToken,
		RefreshToken:     tokens.RefreshToken,
		AccessExpiresAt:  now.Add(accessLifetime(tokens)),
		RefreshExpiresAt: now.Add(m.refreshLifetime(tokens)),
	}
	if session.RefreshExpiresAt.Before(session.AccessExpiresAt) {
		session.RefreshExpiresAt = session.AccessExpiresAt
	}

	if err := m.sessions.Store(ctx, session); err != nil {
		return Established{}, fmt.Errorf("storing session: %w", err)
	}

	ctx = slogctx.With(ctx, "user_id", session.UserID)
	slogctx.Info(ctx, "Established a session")

	return Established{
		Token:            token,
		Claims:           claims,
		RefreshExpiresAt: session.RefreshExpiresAt,
	}, nil
}

// Authenticate drives the session state machine for one request: no session,
// valid, access expired but refreshable, or dead. Dead rows are deleted on
// sight so they cannot linger in the store.
func (m *Manager) Authenticate(ctx context.Context, rawToken string) (Identity, error) {
	if rawToken == "" {
		return Identity{}, serviceerr.ErrNoSession
	}

	hash := HashToken(rawToken)

	s, err := m.sessions.Load(ctx, hash)
	if errors.Is(err, serviceerr.ErrNotFound) {
		return Identity{}, serviceerr.ErrNoSession
	}
	if err != nil {
		return Identity{}, fmt.Errorf("loading session: %w", err)
	}

	now := time.Now()

	if s.Dead(now) {
		m.deleteSession(ctx, hash)
		return Identity{}, serviceerr.ErrSessionExpired
	}

	if !s.AccessExpired(now) {
		claims, err := m.idp.Userinfo(ctx, s.AccessToken)
		if err == nil {
			return Identity{
				Claims:           claims,
				Token:            rawToken,
				RefreshExpiresAt: s.RefreshExpiresAt,
			}, nil
		}

		// Local bookkeeping says the token is good but the provider
		// disagrees; the provider wins. Fall through to a single refresh.
		slogctx.Warn(ctx, "Userinfo rejected a locally valid access token, attempting refresh", "error", err)
	}

	rotated, claims, err := m.refreshOnce(ctx, s)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Claims:           claims,
		Token:            rawToken,
		Rotated:          true,
		RefreshExpiresAt: rotated.RefreshExpiresAt,
	}, nil
}

type refreshOutcome struct {
	session Session
	claims  idp.Claims
}

// refreshOnce performs exactly one refresh exchange per expiry event.
// Concurrent callers for the same hash share the winner's outcome, and a
// caller whose snapshot went stale while it queued picks up the rotated row
// instead of spending the already-consumed refresh token.
func (m *Manager) refreshOnce(ctx context.Context, s Session) (Session, idp.Claims, error) {
	v, err, shared := m.refreshGroup.Do(s.Hash, func() (any, error) {
		// The snapshot that brought us here may predate a rotation that has
		// already completed. The stored row is authoritative.
		current, err := m.sessions.Load(ctx, s.Hash)
		if errors.Is(err, serviceerr.ErrNotFound) {
			return nil, serviceerr.ErrSessionExpired
		}
		if err != nil {
			return nil, fmt.Errorf("reloading session: %w", err)
		}

		if current.RefreshToken != s.RefreshToken || !current.AccessExpired(time.Now()) {
			claims, err := m.idp.Userinfo(ctx, current.AccessToken)
			if err == nil {
				return refreshOutcome{session: current, claims: claims}, nil
			}

			slogctx.Warn(ctx, "Rotated access token rejected by userinfo, refreshing again", "error", err)
		}

		tokens, err := m.idp.Refresh(ctx, current.RefreshToken)
		if err != nil {
			// the refresh token was rejected or the provider is unreachable;
			// fail closed and force a fresh login
			slogctx.Warn(ctx, "Refresh exchange failed, tearing down session", "error", err)
			m.deleteSessionHolding(ctx, current.Hash, current.RefreshToken)

			return nil, serviceerr.ErrSessionExpired
		}

		rotated := current
		rotated.AccessToken = tokens.AccessToken
		if tokens.RefreshToken != "" {
			rotated.RefreshToken = tokens.RefreshToken
		}

		now := time.Now()
		rotated.AccessExpiresAt = now.Add(accessLifetime(tokens))
		rotated.RefreshExpiresAt = now.Add(m.refreshLifetime(tokens))
		if rotated.RefreshExpiresAt.Before(rotated.AccessExpiresAt) {
			rotated.RefreshExpiresAt = rotated.AccessExpiresAt
		}

		if err := m.sessions.Store(ctx, rotated); err != nil {
			return nil, fmt.Errorf("storing rotated session: %w", err)
		}

		claims, err := m.idp.Userinfo(ctx, rotated.AccessToken)
		if err != nil {
			slogctx.Warn(ctx, "Claims fetch failed after refresh, tearing down session", "error", err)
			m.deleteSession(ctx, rotated.Hash)

			return nil, serviceerr.ErrSessionExpired
		}

		return refreshOutcome{session: rotated, claims: claims}, nil
	})
	if err != nil {
		return Session{}, idp.Claims{}, err
	}

	if shared {
		slogctx.Debug(ctx, "Reused a concurrent refresh result", "user_id", s.UserID)
	}

	outcome := v.(refreshOutcome)

	return outcome.session, outcome.claims, nil
}

// Logout deletes the stored session and revokes the refresh token upstream,
// best effort. Local logout is authoritative: the call reports success even
// when the provider cannot be reached, but such failures are logged and
// counted because they leave a live refresh token at the provider.
func (m *Manager) Logout(ctx context.Context, rawToken string) {
	if rawToken == "" {
		return
	}

	hash := HashToken(rawToken)

	s, err := m.sessions.Load(ctx, hash)
	if err != nil {
		if !errors.Is(err, serviceerr.ErrNotFound) {
			slogctx.Error(ctx, "Loading session during logout", "error", err)
		}

		return
	}

	m.deleteSession(ctx, hash)

	if err := m.idp.Revoke(ctx, s.RefreshToken); err != nil {
		m.revocationFailures.Add(ctx, 1)
		slogctx.Error(ctx, "Upstream revocation failed, refresh token stays live at the provider",
			"user_id", s.UserID, "error", err)

		return
	}

	slogctx.Info(ctx, "Session revoked", "user_id", s.UserID)
}

func (m *Manager) deleteSession(ctx context.Context, hash string) {
	if err := m.sessions.Delete(ctx, hash); err != nil && !errors.Is(err, serviceerr.ErrNotFound) {
		slogctx.Error(ctx, "Deleting session", "error", err)
	}
}

// deleteSessionHolding tears the row down only while it still carries the
// refresh token that just failed. A row another writer rotated in the
// meantime holds fresh credentials and must survive.
func (m *Manager) deleteSessionHolding(ctx context.Context, hash, refreshToken string) {
	stored, err := m.sessions.Load(ctx, hash)
	if err != nil {
		if !errors.Is(err, serviceerr.ErrNotFound) {
			slogctx.Error(ctx, "Loading session before teardown", "error", err)
		}

		return
	}

	if stored.RefreshToken != refreshToken {
		return
	}

	m.deleteSession(ctx, hash)
}

func accessLifetime(tokens idp.TokenSet) time.Duration {
	if tokens.ExpiresIn <= 0 {
		// the provider did not say; assume a short-lived token
		return time.Minute
	}

	return time.Duration(tokens.ExpiresIn) * time.Second
}

func (m *Manager) refreshLifetime(tokens idp.TokenSet) time.Duration {
	d := m.sessionDuration
	if tokens.RefreshExpiresIn > 0 {
		if upstream := time.Duration(tokens.RefreshExpiresIn) * time.Second; upstream < d {
			d = upstream
		}
	}

	return d
}

// MakeSessionCookie signs the bearer token into the session cookie. The
// cookie expires together with the session's refresh window.
func (m *Manager) MakeSessionCookie(ctx context.Context, token string, expiresAt time.Time) *http.Cookie {
	maxAge := int(time.Until(expiresAt).Seconds())
	cookie := m.sessionCookieTemplate.ToCookie(m.signer.Sign(token), maxAge)

	if !cookie.Secure {
		slogctx.Warn(ctx, "Session cookie is not marked as Secure; this is not recommended in production environments")
	}
	if !cookie.HttpOnly {
		slogctx.Warn(ctx, "Session cookie is not marked as HttpOnly; this is not recommended in production environments")
	}

	return cookie
}

// MakeFlowCookies signs the verifier (and state, when present) into the
// short-lived login attempt cookies. Both carry the same expiry.
func (m *Manager) MakeFlowCookies(login Login) []*http.Cookie {
	maxAge := int(m.flowWindow.Seconds())

	cookies := []*http.Cookie{
		m.verifierCookieTemplate.ToCookie(m.signer.Sign(login.Verifier), maxAge),
	}
	if login.State != "" {
		cookies = append(cookies, m.stateCookieTemplate.ToCookie(m.signer.Sign(login.State), maxAge))
	}

	return cookies
}

// ClearSessionCookie expires the session cookie in the browser.
func (m *Manager) ClearSessionCookie() *http.Cookie {
	return m.sessionCookieTemplate.ToCookie("", -1)
}

// ClearFlowCookies expires both flow cookies, consuming the login attempt.
func (m *Manager) ClearFlowCookies() []*http.Cookie {
	return []*http.Cookie{
		m.verifierCookieTemplate.ToCookie("", -1),
		m.stateCookieTemplate.ToCookie("", -1),
	}
}

// TokenFromRequest extracts the bearer token from the session cookie.
// A missing or tampered cookie reads as an empty token.
func (m *Manager) TokenFromRequest(r *http.Request) string {
	return m.signedCookieValue(r, m.sessionCookieTemplate.Name)
}

// VerifierFromRequest extracts the PKCE verifier from the flow cookie.
func (m *Manager) VerifierFromRequest(r *http.Request) string {
	return m.signedCookieValue(r, m.verifierCookieTemplate.Name)
}

// StateFromRequest extracts the expected state from the flow cookie.
func (m *Manager) StateFromRequest(r *http.Request) string {
	return m.signedCookieValue(r, m.stateCookieTemplate.Name)
}

func (m *Manager) signedCookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}

	value, ok := m.signer.Verify(cookie.Value)
	if !ok {
		return ""
	}

	return value
}
