package idp

import (
	"fmt"
	"time"

	"github.com/beatranks/session-service/internal/serviceerr"
)

// Claims is the validated identity of an authenticated player, taken from
// the provider's userinfo endpoint.
type Claims struct {
	Subject     string    `json:"sub"`
	Username    string    `json:"preferred_username"`
	DisplayName string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	ProfileURL  string    `json:"profile"`
	AvatarURL   string    `json:"picture"`
}

// Validate rejects a claims payload that is missing a required field. The
// userinfo response is untyped on the wire; nothing downstream should have to
// re-check it.
func (c Claims) Validate() error {
	for _, field := range []struct {
		name  string
		empty bool
	}{
		{"sub", c.Subject == ""},
		{"preferred_username", c.Username == ""},
		{"name", c.DisplayName == ""},
		{"created_at", c.CreatedAt.IsZero()},
		{"profile", c.ProfileURL == ""},
		{"picture", c.AvatarURL == ""},
	} {
		if field.empty {
			return fmt.Errorf("%w: %s", serviceerr.ErrInvalidClaims, field.name)
		}
	}

	return nil
}
