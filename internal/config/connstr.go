package config

import (
	"fmt"
	"strings"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
)

// MakeConnStr assembles the keyword/value DSN pgx expects from the database
// section of the config, resolving the host and credential source refs.
// Both the session and settings stores connect with it.
func MakeConnStr(conf Database) (string, error) {
	refs := []struct {
		key string
		ref commoncfg.SourceRef
	}{
		{"host", conf.Host},
		{"user", conf.User},
		{"password", conf.Password},
	}

	pairs := make([]string, 0, len(refs)+2)
	for _, r := range refs {
		value, err := commoncfg.LoadValueFromSourceRef(r.ref)
		if err != nil {
			return "", fmt.Errorf("loading db %s: %w", r.key, err)
		}

		pairs = append(pairs, r.key+"="+string(value))
	}

	pairs = append(pairs, "dbname="+conf.Name, "port="+conf.Port)

	return strings.Join(pairs, " "), nil
}
