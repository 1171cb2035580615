package session

import (
	"context"
	"time"

	slogctx "github.com/veqryn/slog-context"
)

// Housekeeper periodically purges sessions whose refresh window has closed.
// Expired rows are already torn down when a request touches them; this sweep
// catches the ones no request ever comes back for.
type Housekeeper struct {
	sessions Repository
	interval time.Duration
}

func NewHousekeeper(sessions Repository, interval time.Duration) *Housekeeper {
	if interval <= 0 {
		interval = time.Hour
	}

	return &Housekeeper{sessions: sessions, interval: interval}
}

// Run sweeps once immediately and then on every tick until the context is
// cancelled.
func (h *Housekeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Housekeeper) sweep(ctx context.Context) {
	deleted, err := h.sessions.DeleteExpired(ctx, time.Now())
	if err != nil {
		slogctx.Error(ctx, "Purging expired sessions", "error", err)

		return
	}

	if deleted > 0 {
		slogctx.Info(ctx, "Purged expired sessions", "count", deleted)
	}
}
