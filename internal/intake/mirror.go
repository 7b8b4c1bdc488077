package intake

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// MirrorStore is the slice of the note store the mirror writes to. All
// operations are idempotent upserts keyed by natural key, safe to retry.
type MirrorStore interface {
	UpsertProcessed(ctx context.Context, rec ProcessedNote) error
	DeleteProcessed(ctx context.Context, key NoteKey, area, sessionID string) error
	MarkConsolidatedReceived(ctx context.Context, key NoteKey, carrier CarrierKey) error
	UpsertDivergence(ctx context.Context, rec DivergenceRecord) error
	DeleteDivergence(ctx context.Context, key NoteKey) error
}

// MirrorObserver counts sync failures and retries for observability.
type MirrorObserver interface {
	MirrorFailed(op string)
	MirrorRecovered(op string)
}

// RetryEnqueuer hands a failed mirror write to the background worker.
type RetryEnqueuer interface {
	EnqueueMirrorRetry(ctx context.Context, p PendingMirror) error
}

// MirrorOp names a mirror operation kind.
type MirrorOp string

const (
	// MirrorOpAccept mirrors a freshly accepted note into the shared store.
	MirrorOpAccept MirrorOp = "accept"
	// MirrorOpStatus mirrors a status transition and its divergence record.
	MirrorOpStatus MirrorOp = "status"
	// MirrorOpRemove withdraws a note the operator removed from the session.
	MirrorOpRemove MirrorOp = "remove"
)

// PendingMirror is one mirror write, serializable so the worker can re-drive it.
type PendingMirror struct {
	Op        MirrorOp    `json:"op"`
	Session   SessionInfo `json:"session"`
	Note      Note        `json:"note"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	FailedAt  time.Time   `json:"failed_at,omitempty"`
}

func (p PendingMirror) key() string {
	return string(p.Op) + ":" + p.Note.Key().String()
}

// MirrorWriter pushes session-local changes into the shared store without
// ever blocking the scan pipeline. A write gets one immediate retry; a
// still-failing write lands on the operator-visible pending list and is
// handed to the background worker.
type MirrorWriter struct {
	store    MirrorStore
	timeout  time.Duration
	logger   *slog.Logger
	observer MirrorObserver
	enqueuer RetryEnqueuer

	wg      sync.WaitGroup
	mu      sync.Mutex
	pending map[string]PendingMirror
}

// NewMirrorWriter constructs the writer. observer and enqueuer may be nil.
func NewMirrorWriter(store MirrorStore, timeout time.Duration, logger *slog.Logger, observer MirrorObserver, enqueuer RetryEnqueuer) *MirrorWriter {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MirrorWriter{
		store:    store,
		timeout:  timeout,
		logger:   logger,
		observer: observer,
		enqueuer: enqueuer,
		pending:  make(map[string]PendingMirror),
	}
}

// Dispatch runs the mirror write in the background. Local acceptance has
// already happened; nothing here can undo it.
func (w *MirrorWriter) Dispatch(p PendingMirror) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(p)
	}()
}

// Wait blocks until in-flight dispatches settle. Used on shutdown and in tests.
func (w *MirrorWriter) Wait() {
	w.wg.Wait()
}

func (w *MirrorWriter) run(p PendingMirror) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		p.Attempts++
		err = w.Apply(context.Background(), p)
		if err == nil {
			w.resolve(p)
			return
		}
		if errors.Is(err, ErrNoteTaken) {
			// Authoritative backstop fired: another session owns the key.
			// Retrying cannot succeed; park it for the operator.
			break
		}
	}
	p.LastError = err.Error()
	p.FailedAt = time.Now().UTC()
	w.park(p, err)
}

// Apply executes one mirror write attempt under the writer's timeout.
func (w *MirrorWriter) Apply(ctx context.Context, p PendingMirror) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	key := p.Note.Key()
	switch p.Op {
	case MirrorOpAccept:
		rec := ProcessedNote{
			NumeroNF:   p.Note.NumeroNF,
			Fornecedor: p.Note.Fornecedor,
			Volumes:    p.Note.Volumes,
			Area:       p.Session.Area,
			SessionID:  p.Session.SessionID(),
			Status:     p.Note.Status,
			Timestamp:  p.Note.Timestamp,
		}
		if err := w.store.UpsertProcessed(ctx, rec); err != nil {
			return err
		}
		if !p.Session.Carrier.IsZero() {
			return w.store.MarkConsolidatedReceived(ctx, key, p.Session.Carrier)
		}
		return nil
	case MirrorOpStatus:
		rec := ProcessedNote{
			NumeroNF:   p.Note.NumeroNF,
			Fornecedor: p.Note.Fornecedor,
			Volumes:    p.Note.Volumes,
			Area:       p.Session.Area,
			SessionID:  p.Session.SessionID(),
			Status:     p.Note.Status,
			Timestamp:  p.Note.Timestamp,
		}
		if err := w.store.UpsertProcessed(ctx, rec); err != nil {
			return err
		}
		if p.Note.Status == StatusDivergencia && p.Note.Divergencia != nil {
			return w.store.UpsertDivergence(ctx, DivergenceRecord{
				NoteKey:           key,
				Tipo:              p.Note.Divergencia.Tipo,
				VolumesInformados: p.Note.Divergencia.VolumesInformados,
				Observacoes:       p.Note.Divergencia.Observacoes,
			})
		}
		return w.store.DeleteDivergence(ctx, key)
	case MirrorOpRemove:
		return w.store.DeleteProcessed(ctx, key, p.Session.Area, p.Session.SessionID())
	default:
		return errors.New("intake: unknown mirror op")
	}
}

func (w *MirrorWriter) park(p PendingMirror, err error) {
	w.logger.Warn("mirror write parked",
		slog.String("op", string(p.Op)),
		slog.String("note", p.Note.Key().String()),
		slog.Any("error", err))
	if w.observer != nil {
		w.observer.MirrorFailed(string(p.Op))
	}
	w.mu.Lock()
	w.pending[p.key()] = p
	w.mu.Unlock()
	if w.enqueuer != nil {
		if qErr := w.enqueuer.EnqueueMirrorRetry(context.Background(), p); qErr != nil {
			w.logger.Warn("enqueue mirror retry", slog.Any("error", qErr))
		}
	}
}

func (w *MirrorWriter) resolve(p PendingMirror) {
	w.mu.Lock()
	_, wasPending := w.pending[p.key()]
	delete(w.pending, p.key())
	w.mu.Unlock()
	if wasPending && w.observer != nil {
		w.observer.MirrorRecovered(string(p.Op))
	}
}

// RetryPending re-drives every parked write once. Successes leave the list.
func (w *MirrorWriter) RetryPending(ctx context.Context) {
	w.mu.Lock()
	parked := make([]PendingMirror, 0, len(w.pending))
	for _, p := range w.pending {
		parked = append(parked, p)
	}
	w.mu.Unlock()

	for _, p := range parked {
		p.Attempts++
		if err := w.Apply(ctx, p); err != nil {
			p.LastError = err.Error()
			p.FailedAt = time.Now().UTC()
			w.mu.Lock()
			w.pending[p.key()] = p
			w.mu.Unlock()
			continue
		}
		w.resolve(p)
	}
}

// Pending lists parked writes for a session; empty sessionID lists all.
func (w *MirrorWriter) Pending(sessionID string) []PendingMirror {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]PendingMirror, 0, len(w.pending))
	for _, p := range w.pending {
		if sessionID == "" || p.Session.SessionID() == sessionID {
			out = append(out, p)
		}
	}
	return out
}
