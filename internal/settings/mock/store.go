package settingsmock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/beatranks/session-service/internal/serviceerr"
	"github.com/beatranks/session-service/internal/settings"
)

type StoreOption func(*Store)

type Store struct {
	mu    sync.Mutex
	blobs map[string]json.RawMessage

	loadErr, saveErr error
}

func WithBlob(userID string, blob json.RawMessage) StoreOption {
	return func(s *Store) { s.blobs[userID] = blob }
}
func WithLoadError(err error) StoreOption {
	return func(s *Store) { s.loadErr = err }
}
func WithSaveError(err error) StoreOption {
	return func(s *Store) { s.saveErr = err }
}

var _ = settings.Store(&Store{})

func NewInMemStore(opts ...StoreOption) *Store {
	s := &Store{
		blobs: make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) Load(_ context.Context, userID string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if blob, ok := s.blobs[userID]; ok {
		return blob, nil
	}
	return nil, serviceerr.ErrNotFound
}

func (s *Store) Save(_ context.Context, userID string, blob json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return s.saveErr
	}
	s.blobs[userID] = blob
	return nil
}
