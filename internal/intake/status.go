package intake

import (
	"context"
	"log/slog"
)

// StatusChange is the requested transition for an accepted note.
type StatusChange struct {
	Target     NoteStatus
	Divergence *Divergence
}

// StatusTransitionEngine applies status changes to notes already in the
// ledger, keeping the divergence relation consistent: a note carries at
// most one divergence record, and flipping back to ok removes it. The
// ledger copy is authoritative; the shared store is mirrored asynchronously.
type StatusTransitionEngine struct {
	mirror *MirrorWriter
	logger *slog.Logger
}

// NewStatusTransitionEngine constructs the engine.
func NewStatusTransitionEngine(mirror *MirrorWriter, logger *slog.Logger) *StatusTransitionEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusTransitionEngine{mirror: mirror, logger: logger}
}

// Apply executes one transition. Re-applying the current status is a no-op
// reported as success. Illegal transitions fail with ErrInvalidTransition
// before any state changes.
func (e *StatusTransitionEngine) Apply(ctx context.Context, sess SessionInfo, ledger *SessionLedger, key NoteKey, change StatusChange) (Note, error) {
	if !change.Target.IsValid() {
		return Note{}, ErrInvalidTransition
	}
	current, ok := ledger.Find(key)
	if !ok {
		return Note{}, ErrNoteNotFound
	}
	if current.Status == change.Target {
		return current, nil
	}
	if !current.Status.CanTransitionTo(change.Target) {
		return Note{}, ErrInvalidTransition
	}

	var div *Divergence
	if change.Target == StatusDivergencia {
		if change.Divergence == nil || change.Divergence.VolumesInformados <= 0 || change.Divergence.Tipo == "" {
			return Note{}, ErrDivergencePayloadRequired
		}
		d := *change.Divergence
		div = &d
	}

	updated, err := ledger.SetStatus(key, change.Target, div)
	if err != nil {
		return Note{}, err
	}

	if e.mirror != nil {
		e.mirror.Dispatch(PendingMirror{Op: MirrorOpStatus, Session: sess, Note: updated})
	}
	return updated, nil
}
