package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/galpao-wms/galpao-wms/internal/intake"
)

// MirrorRetryHandler re-applies parked mirror writes against the shared
// store. The writes are idempotent upserts, so replays are harmless.
type MirrorRetryHandler struct {
	writer *intake.MirrorWriter
	logger *slog.Logger
}

// NewMirrorRetryHandler constructs the handler around the note store.
func NewMirrorRetryHandler(store intake.MirrorStore, timeout time.Duration, logger *slog.Logger) *MirrorRetryHandler {
	return &MirrorRetryHandler{
		writer: intake.NewMirrorWriter(store, timeout, logger, nil, nil),
		logger: logger,
	}
}

// Handle processes TaskMirrorRetry tasks. A note taken by another session
// is a terminal outcome; retrying would never succeed.
func (h *MirrorRetryHandler) Handle(ctx context.Context, t *asynq.Task) error {
	var p intake.PendingMirror
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return asynq.SkipRetry
	}
	if err := h.writer.Apply(ctx, p); err != nil {
		if errors.Is(err, intake.ErrNoteTaken) {
			h.logger.Warn("mirror retry dropped: note taken elsewhere",
				slog.String("note", p.Note.Key().String()))
			return asynq.SkipRetry
		}
		return err
	}
	h.logger.Info("mirror retry succeeded",
		slog.String("op", string(p.Op)),
		slog.String("note", p.Note.Key().String()))
	return nil
}
