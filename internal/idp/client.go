// Package idp wraps the OIDC identity provider: discovery, the code and
// refresh token grants, userinfo retrieval, and token revocation.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	gocache "github.com/patrickmn/go-cache"

	"github.com/beatranks/session-service/internal/serviceerr"
)

const wellKnownOpenIDConfigPath = "/.well-known/openid-configuration"

// TokenSet is the provider's response to a code or refresh token grant.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
	// RefreshExpiresIn is non-standard but emitted by common providers
	// (e.g. Keycloak). Zero means the provider did not say.
	RefreshExpiresIn int `json:"refresh_expires_in"`
}

// Options configures a Client. Secrets arrive already resolved; loading them
// from source refs is the caller's concern.
type Options struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

type Client struct {
	issuerURL    string
	clientID     string
	clientSecret string
	redirectURL  string
	scopes       []string
	timeout      time.Duration
	secureClient *http.Client

	cache *gocache.Cache
}

func NewClient(opts Options) (*Client, error) {
	if opts.IssuerURL == "" {
		return nil, fmt.Errorf("%w: empty issuer URL", serviceerr.ErrInvalidProvider)
	}
	if opts.ClientID == "" {
		return nil, fmt.Errorf("%w: empty client id", serviceerr.ErrInvalidProvider)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile"}
	}

	return &Client{
		issuerURL:    strings.TrimSuffix(opts.IssuerURL, "/"),
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		redirectURL:  opts.RedirectURL,
		scopes:       scopes,
		timeout:      timeout,
		secureClient: httpClient,
		cache:        gocache.New(time.Hour, 2*time.Hour),
	}, nil
}

func (c *Client) ClientID() string { return c.clientID }

func (c *Client) RedirectURL() string { return c.redirectURL }

func (c *Client) Scopes() []string { return c.scopes }

// Discover fetches the provider's openid-configuration, caching the result.
func (c *Client) Discover(ctx context.Context) (Configuration, error) {
	const wkocPrefix = "wkoc_"

	// first check the cache for a recent configuration for this issuer
	cacheKey := wkocPrefix + c.issuerURL
	if cached, ok := c.cache.Get(cacheKey); ok {
		//nolint:forcetypeassert
		return cached.(Configuration), nil
	}

	u := c.issuerURL + wellKnownOpenIDConfigPath

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Configuration{}, fmt.Errorf("creating an HTTP request: %w", err)
	}

	resp, err := c.secureClient.Do(req)
	if err != nil {
		return Configuration{}, fmt.Errorf("doing an HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Configuration{}, fmt.Errorf("%w: discovery returned status %d", serviceerr.ErrInvalidProvider, resp.StatusCode)
	}

	var conf Configuration
	if err := json.NewDecoder(resp.Body).Decode(&conf); err != nil {
		return Configuration{}, fmt.Errorf("decoding a well-known openid config: %w", err)
	}

	// Validate the configuration
	if conf.Issuer != c.issuerURL {
		return Configuration{}, fmt.Errorf("%w: issuer %q does not match %q", serviceerr.ErrInvalidProvider, conf.Issuer, c.issuerURL)
	}
	if conf.AuthorizationEndpoint == "" || conf.TokenEndpoint == "" || conf.UserinfoEndpoint == "" {
		return Configuration{}, fmt.Errorf("%w: missing endpoint in discovery document", serviceerr.ErrInvalidProvider)
	}

	c.cache.Set(cacheKey, conf, 0)

	return conf, nil
}

// Exchange trades an authorization code and its PKCE verifier for tokens.
func (c *Client) Exchange(ctx context.Context, code, codeVerifier string) (TokenSet, error) {
	conf, err := c.Discover(ctx)
	if err != nil {
		return TokenSet{}, fmt.Errorf("getting openid configuration: %w", err)
	}

	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("code_verifier", codeVerifier)
	data.Set("redirect_uri", c.redirectURL)
	data.Set("client_id", c.clientID)
	if c.clientSecret != "" {
		data.Set("client_secret", c.clientSecret)
	}

	return c.tokenGrant(ctx, conf.TokenEndpoint, data)
}

// Refresh performs the refresh token grant. The provider is expected to
// rotate the refresh token, invalidating the one passed in.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	conf, err := c.Discover(ctx)
	if err != nil {
		return TokenSet{}, fmt.Errorf("getting openid configuration: %w", err)
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", c.clientID)
	if c.clientSecret != "" {
		data.Set("client_secret", c.clientSecret)
	}

	return c.tokenGrant(ctx, conf.TokenEndpoint, data)
}

func (c *Client) tokenGrant(ctx context.Context, endpoint string, data url.Values) (TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return TokenSet{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.secureClient.Do(req)
	if err != nil {
		return TokenSet{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TokenSet{}, fmt.Errorf("token grant failed with status: %d", resp.StatusCode)
	}

	var tokens TokenSet
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return TokenSet{}, fmt.Errorf("decoding response: %w", err)
	}

	return tokens, nil
}

// Userinfo fetches and validates the claims behind an access token. The
// provider's answer is authoritative: a rejection here means the token is no
// longer good, whatever the local expiry bookkeeping says.
func (c *Client) Userinfo(ctx context.Context, accessToken string) (Claims, error) {
	conf, err := c.Discover(ctx)
	if err != nil {
		return Claims{}, fmt.Errorf("getting openid configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conf.UserinfoEndpoint, nil)
	if err != nil {
		return Claims{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.secureClient.Do(req)
	if err != nil {
		return Claims{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Claims{}, fmt.Errorf("userinfo request failed with status: %d", resp.StatusCode)
	}

	var claims Claims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Claims{}, fmt.Errorf("decoding userinfo response: %w", err)
	}

	if err := claims.Validate(); err != nil {
		return Claims{}, err
	}

	return claims, nil
}

// Revoke invalidates a refresh token at the provider (RFC 7009). Providers
// without a revocation endpoint are tolerated; the token then simply ages out.
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	conf, err := c.Discover(ctx)
	if err != nil {
		return fmt.Errorf("getting openid configuration: %w", err)
	}

	if conf.RevocationEndpoint == "" {
		return nil
	}

	data := url.Values{}
	data.Set("token", refreshToken)
	data.Set("token_type_hint", "refresh_token")
	data.Set("client_id", c.clientID)
	if c.clientSecret != "" {
		data.Set("client_secret", c.clientSecret)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.RevocationEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.secureClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation failed with status: %d", resp.StatusCode)
	}

	return nil
}

// VerifyIDToken checks the ID token signature against the provider's JWKS
// and returns its subject.
func (c *Client) VerifyIDToken(ctx context.Context, rawIDToken string) (string, error) {
	conf, err := c.Discover(ctx)
	if err != nil {
		return "", fmt.Errorf("getting openid configuration: %w", err)
	}

	algs := make([]jose.SignatureAlgorithm, 0, len(conf.IDTokenSigningAlgValuesSupported))
	for _, alg := range conf.IDTokenSigningAlgValuesSupported {
		algs = append(algs, jose.SignatureAlgorithm(alg))
	}
	if len(algs) == 0 {
		algs = []jose.SignatureAlgorithm{jose.RS256}
	}

	token, err := jwt.ParseSigned(rawIDToken, algs)
	if err != nil {
		return "", fmt.Errorf("parsing id token: %w", err)
	}

	keyset, err := c.getProviderKeySet(ctx, conf)
	if err != nil {
		return "", fmt.Errorf("getting jwks for a provider: %w", err)
	}

	var claims jwt.Claims
	if err := token.Claims(keyset, &claims); err != nil {
		return "", fmt.Errorf("getting JWT claims: %w", err)
	}

	if err := claims.Validate(jwt.Expected{
		Issuer:      c.issuerURL,
		AnyAudience: jwt.Audience{c.clientID},
	}); err != nil {
		return "", fmt.Errorf("validating id token claims: %w", err)
	}

	return claims.Subject, nil
}

func (c *Client) getProviderKeySet(ctx context.Context, conf Configuration) (*jose.JSONWebKeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, conf.JwksURI, nil)
	if err != nil {
		return nil, fmt.Errorf("creating a new HTTP request: %w", err)
	}

	resp, err := c.secureClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing an http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks request failed with status: %d", resp.StatusCode)
	}

	var keySet jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keySet); err != nil {
		return nil, fmt.Errorf("decoding keyset response: %w", err)
	}

	return &keySet, nil
}
