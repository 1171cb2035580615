// Package config defines the necessary types to configure the application.
// An example config file config.yaml is provided in the repository.
package config

import (
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

type Config struct {
	commoncfg.BaseConfig `mapstructure:",squash" yaml:",inline"`

	HTTP HTTPServer `yaml:"http"`

	Database     Database     `yaml:"database"`
	ValKey       ValKey       `yaml:"valkey"`
	SessionStore SessionStore `yaml:"sessionStore"`
	Auth         Auth         `yaml:"auth"`
	Housekeeper  Housekeeper  `yaml:"housekeeper"`
}

type HTTPServer struct {
	Address         string        `yaml:"address" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"5s"`
}

type Database struct {
	Name     string              `yaml:"name"`
	Port     string              `yaml:"port"`
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
}

type ValKey struct {
	Host     commoncfg.SourceRef `yaml:"host"`
	User     commoncfg.SourceRef `yaml:"user"`
	Password commoncfg.SourceRef `yaml:"password"`
	Prefix   string              `yaml:"prefix"`
}

// Auth configures the OIDC relying-party side of the service.
type Auth struct {
	// IssuerURL is the base URL of the identity provider. Discovery runs
	// against <issuerURL>/.well-known/openid-configuration at startup and is
	// fatal when it fails.
	IssuerURL    string              `yaml:"issuerURL"`
	ClientID     commoncfg.SourceRef `yaml:"clientID"`
	ClientSecret commoncfg.SourceRef `yaml:"clientSecret"`
	RedirectURL  string              `yaml:"redirectURL"`
	Scopes       []string            `yaml:"scopes"`

	// CookieSecret signs every cookie the service issues. At least 32 bytes.
	CookieSecret commoncfg.SourceRef `yaml:"cookieSecret"`

	// FlowWindow bounds a single login attempt: the verifier and state
	// cookies expire after this duration.
	FlowWindow time.Duration `yaml:"flowWindow" default:"10m"`

	// SessionDuration caps how long a session may live, regardless of what
	// the identity provider reports for the refresh token.
	SessionDuration time.Duration `yaml:"sessionDuration" default:"720h"`

	// UpstreamTimeout applies to every call to the identity provider.
	UpstreamTimeout time.Duration `yaml:"upstreamTimeout" default:"10s"`

	SessionCookieTemplate  CookieTemplate `yaml:"sessionCookie"`
	VerifierCookieTemplate CookieTemplate `yaml:"verifierCookie"`
	StateCookieTemplate    CookieTemplate `yaml:"stateCookie"`

	// SuccessRedirectPrefix is where the callback sends the browser after a
	// successful login, with the authenticated user id appended.
	SuccessRedirectPrefix string `yaml:"successRedirectPrefix" default:"/u/"`

	// FailureRedirect is where the callback sends the browser when the login
	// did not happen.
	FailureRedirect string `yaml:"failureRedirect" default:"/"`
}

type Housekeeper struct {
	Interval time.Duration `yaml:"interval" default:"1h"`
}

// SessionStore selects the credential store backend.
type SessionStore struct {
	Backend string `yaml:"backend" default:"postgres"`
}
