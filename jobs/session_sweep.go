package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/galpao-wms/galpao-wms/internal/intake"
)

// SessionSweepHandler removes abandoned sessions from the directory so the
// foreign-session check stops seeing them.
type SessionSweepHandler struct {
	cache  *intake.RedisSessionCache
	maxAge time.Duration
	logger *slog.Logger
}

// NewSessionSweepHandler constructs the handler.
func NewSessionSweepHandler(cache *intake.RedisSessionCache, maxAge time.Duration, logger *slog.Logger) *SessionSweepHandler {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &SessionSweepHandler{cache: cache, maxAge: maxAge, logger: logger}
}

// Handle processes TaskSessionSweep tasks.
func (h *SessionSweepHandler) Handle(ctx context.Context, t *asynq.Task) error {
	removed, err := h.cache.SweepStale(ctx, h.maxAge)
	if err != nil {
		return err
	}
	if removed > 0 {
		h.logger.Info("session directory sweep", slog.Int("removed", removed))
	}
	return nil
}
