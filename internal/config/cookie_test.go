package config

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToCookie(t *testing.T) {
	tests := []struct {
		name     string
		template CookieTemplate
		value    string
		maxAge   int
		want     *http.Cookie
	}{
		{
			name: "defaults",
			template: CookieTemplate{
				Name: "foo",
			},
			want: &http.Cookie{
				Name:     "foo",
				MaxAge:   0,
				Path:     "",
				Domain:   "",
				Secure:   false,
				SameSite: 0,
				HttpOnly: false,
			},
		}, {
			name: "session",
			template: CookieTemplate{
				Name:     "bs_session",
				Path:     "/",
				Secure:   true,
				SameSite: CookieSameSiteLax,
				HTTPOnly: true,
			},
			value:  "token",
			maxAge: 2592000,
			want: &http.Cookie{
				Name:     "bs_session",
				Value:    "token",
				MaxAge:   2592000,
				Path:     "/",
				Domain:   "",
				Secure:   true,
				SameSite: http.SameSiteLaxMode,
				HttpOnly: true,
			},
		}, {
			name: "flow",
			template: CookieTemplate{
				Name:     "bs_verifier",
				Path:     "/auth",
				Secure:   true,
				SameSite: CookieSameSiteStrict,
				HTTPOnly: true,
			},
			value:  "verifier",
			maxAge: 600,
			want: &http.Cookie{
				Name:     "bs_verifier",
				Value:    "verifier",
				MaxAge:   600,
				Path:     "/auth",
				Domain:   "",
				Secure:   true,
				SameSite: http.SameSiteStrictMode,
				HttpOnly: true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.template.ToCookie(tt.value, tt.maxAge)
			t.Logf("Got cookie: %+v", c)
			assert.Equal(t, tt.want.Name, c.Name)
			assert.Equal(t, tt.want.Value, c.Value)
			assert.Equal(t, tt.want.MaxAge, c.MaxAge)
			assert.Equal(t, tt.want.Path, c.Path)
			assert.Equal(t, tt.want.Domain, c.Domain)
			assert.Equal(t, tt.want.Secure, c.Secure)
			assert.Equal(t, tt.want.SameSite, c.SameSite)
			assert.Equal(t, tt.want.HttpOnly, c.HttpOnly)
		})
	}
}
