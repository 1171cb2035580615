// Package settings is the per-user preferences gateway. The blob is opaque
// to this service: it is stored and returned verbatim for the authenticated
// user, with only a JSON well-formedness check on write.
package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/beatranks/session-service/internal/serviceerr"
)

// MaxBlobSize bounds a single preferences document.
const MaxBlobSize = 64 * 1024

type Store interface {
	// Load returns the user's preference blob, or serviceerr.ErrNotFound
	// when the user has never saved one.
	Load(ctx context.Context, userID string) (json.RawMessage, error)

	// Save stores the blob for the user, replacing any previous one.
	Save(ctx context.Context, userID string, blob json.RawMessage) error
}

// ValidateBlob rejects documents that are not JSON objects or exceed the
// size bound.
func ValidateBlob(blob json.RawMessage) error {
	if len(blob) > MaxBlobSize {
		return fmt.Errorf("%w: settings document exceeds %d bytes", serviceerr.ErrInvalidRequest, MaxBlobSize)
	}

	// a literal null unmarshals into a nil map without error
	var doc map[string]any
	if err := json.Unmarshal(blob, &doc); err != nil || doc == nil {
		return fmt.Errorf("%w: settings document is not a JSON object", serviceerr.ErrInvalidRequest)
	}

	return nil
}
