package intake

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/galpao-wms/galpao-wms/internal/shared"
)

// Store aggregates every note-store slice the engine needs. The pgx
// repository implements all of it; tests swap in fakes per slice.
type Store interface {
	CatalogStore
	GuardStore
	MirrorStore
	ReportStore
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Observer aggregates the engine's observability hooks.
type Observer interface {
	GuardObserver
	MirrorObserver
	ScanAccepted(area string)
	ScanRejected(area, rule string)
}

// EngineConfig tunes the engine.
type EngineConfig struct {
	Guard         GuardConfig
	MirrorTimeout time.Duration
}

// Engine is the receiving-intake facade: it owns the open sessions of this
// process and drives parse → guard → ledger → mirror → finalize.
type Engine struct {
	store     Store
	cache     SessionCache
	guard     *DuplicateGuard
	mirror    *MirrorWriter
	status    *StatusTransitionEngine
	finalizer *ReportFinalizer
	audit     AuditPort
	observer  Observer
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	mu        sync.Mutex
	info      SessionInfo
	ledger    *SessionLedger
	catalog   *CarrierCatalog
	startedAt time.Time
}

// SessionState is the externally visible snapshot of one session.
type SessionState struct {
	SessionID      string      `json:"session_id"`
	Info           SessionInfo `json:"info"`
	Progress       Progress    `json:"progress"`
	Notes          []Note      `json:"notes"`
	Recovered      int         `json:"recovered,omitempty"`
	CatalogPartial bool        `json:"catalog_partial,omitempty"`
}

// NewEngine wires the engine. audit, observer, finalizeGuard and enqueuer
// may be nil; the engine degrades to local-only behaviour without them.
func NewEngine(store Store, cache SessionCache, finalizeGuard FinalizeGuard, audit AuditPort, observer Observer, enqueuer RetryEnqueuer, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	var guardObs GuardObserver
	var mirrorObs MirrorObserver
	if observer != nil {
		guardObs = observer
		mirrorObs = observer
	}
	mirror := NewMirrorWriter(store, cfg.MirrorTimeout, logger, mirrorObs, enqueuer)
	return &Engine{
		store:     store,
		cache:     cache,
		guard:     NewDuplicateGuard(store, cache, cfg.Guard, logger, guardObs),
		mirror:    mirror,
		status:    NewStatusTransitionEngine(mirror, logger),
		finalizer: NewReportFinalizer(store, finalizeGuard, logger),
		audit:     audit,
		observer:  observer,
		logger:    logger,
		sessions:  make(map[string]*session),
	}
}

// Mirror exposes the mirror writer for worker wiring and shutdown draining.
func (e *Engine) Mirror() *MirrorWriter {
	return e.mirror
}

// StartSession opens (or re-attaches to) a session. A pending ledger left
// by a crashed process is restored instead of starting empty. Starting an
// already open session is idempotent.
func (e *Engine) StartSession(ctx context.Context, info SessionInfo) (SessionState, error) {
	if err := info.Validate(); err != nil {
		return SessionState{}, err
	}
	if info.Carrier.IsZero() {
		return SessionState{}, errors.New("intake: carrier selection required")
	}
	id := info.SessionID()

	e.mu.Lock()
	if existing, ok := e.sessions[id]; ok {
		e.mu.Unlock()
		return e.stateOf(id, existing, 0), nil
	}
	s := &session{
		info:      info,
		ledger:    NewSessionLedger(),
		catalog:   NewCarrierCatalog(e.store, info.Carrier, info.Area),
		startedAt: time.Now().UTC(),
	}
	e.sessions[id] = s
	e.mu.Unlock()

	if err := s.catalog.Load(ctx); err != nil {
		// Scanning must stay available; the name heuristic and the store
		// backstop still hold without the catalog.
		e.logger.Warn("carrier catalog load failed", slog.String("session", id), slog.Any("error", err))
	}

	recovered := 0
	if e.cache != nil {
		notes, err := e.cache.LoadLedger(ctx, id)
		if err != nil {
			e.logger.Warn("ledger recovery failed", slog.String("session", id), slog.Any("error", err))
		} else if len(notes) > 0 {
			s.ledger.Restore(notes)
			recovered = s.ledger.Len()
			s.catalog.AbsorbRecovered(s.ledger.Notes())
		}
		numeros := make([]string, 0, recovered)
		for _, n := range s.ledger.Notes() {
			numeros = append(numeros, n.NumeroNF)
		}
		if err := e.cache.Register(ctx, ActiveSession{
			SessionID:     id,
			Area:          info.Area,
			Colaboradores: info.Colaboradores,
			NumerosNF:     numeros,
			StartedAt:     s.startedAt,
		}); err != nil {
			e.logger.Warn("session directory register failed", slog.String("session", id), slog.Any("error", err))
		}
	}

	e.recordAudit(ctx, info, "intake:session_start", id, map[string]any{
		"carrier":   info.Carrier.String(),
		"recovered": recovered,
	})
	return e.stateOf(id, s, recovered), nil
}

// Scan runs the full intake pipeline for one scanned code.
func (e *Engine) Scan(ctx context.Context, sessionID, code string) (Note, Progress, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return Note{}, Progress{}, err
	}

	note, err := ParseCode(code)
	if err != nil {
		e.observeRejection(s.info.Area, err)
		return Note{}, e.progressOf(s), err
	}

	s.mu.Lock()
	if !e.attached(sessionID, s) {
		s.mu.Unlock()
		return Note{}, Progress{}, ErrSessionNotFound
	}
	if err := e.guard.Validate(ctx, note, s.ledger, s.catalog, s.info); err != nil {
		s.mu.Unlock()
		e.observeRejection(s.info.Area, err)
		return Note{}, e.progressOf(s), err
	}
	if err := s.ledger.Append(note); err != nil {
		s.mu.Unlock()
		e.observeRejection(s.info.Area, err)
		return Note{}, e.progressOf(s), err
	}
	s.catalog.MarkAccepted(note.Key())
	e.persistLocal(ctx, s, note.NumeroNF)
	s.mu.Unlock()

	e.mirror.Dispatch(PendingMirror{Op: MirrorOpAccept, Session: s.info, Note: note})

	if e.observer != nil {
		e.observer.ScanAccepted(s.info.Area)
	}
	e.recordAudit(ctx, s.info, "intake:accept", note.Key().String(), map[string]any{
		"numero_nf": note.NumeroNF,
		"volumes":   note.Volumes,
	})
	return note, e.progressOf(s), nil
}

// SetNoteStatus applies a status transition to an accepted note.
func (e *Engine) SetNoteStatus(ctx context.Context, sessionID string, key NoteKey, change StatusChange) (Note, Progress, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return Note{}, Progress{}, err
	}
	s.mu.Lock()
	if !e.attached(sessionID, s) {
		s.mu.Unlock()
		return Note{}, Progress{}, ErrSessionNotFound
	}
	note, err := e.status.Apply(ctx, s.info, s.ledger, key, change)
	if err != nil {
		s.mu.Unlock()
		return Note{}, e.progressOf(s), err
	}
	e.persistLocal(ctx, s, "")
	s.mu.Unlock()
	e.recordAudit(ctx, s.info, "intake:status", key.String(), map[string]any{
		"status": string(note.Status),
	})
	return note, e.progressOf(s), nil
}

// RemoveNote withdraws a note from the session (operator correction). The
// note returns to the outstanding set and the shared record is withdrawn.
func (e *Engine) RemoveNote(ctx context.Context, sessionID string, key NoteKey) (Progress, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return Progress{}, err
	}
	s.mu.Lock()
	if !e.attached(sessionID, s) {
		s.mu.Unlock()
		return Progress{}, ErrSessionNotFound
	}
	removed, err := s.ledger.Remove(key)
	if err != nil {
		s.mu.Unlock()
		return e.progressOf(s), err
	}
	s.catalog.Restore(ConsolidatedNote{
		NumeroNF:       removed.NumeroNF,
		Fornecedor:     removed.Fornecedor,
		Volumes:        removed.Volumes,
		Destino:        removed.Destino,
		ClienteDestino: removed.ClienteDestino,
		TipoCarga:      removed.TipoCarga,
		Data:           removed.Data,
		Carrier:        s.catalog.Carrier(),
		Status:         ConsolidatedEntered,
	})
	e.persistLocal(ctx, s, "")
	s.mu.Unlock()

	e.mirror.Dispatch(PendingMirror{Op: MirrorOpRemove, Session: s.info, Note: removed})
	e.recordAudit(ctx, s.info, "intake:remove", key.String(), nil)
	return e.progressOf(s), nil
}

// Progress returns the live completion snapshot.
func (e *Engine) Progress(sessionID string) (Progress, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return Progress{}, err
	}
	return e.progressOf(s), nil
}

// State returns the full session snapshot.
func (e *Engine) State(sessionID string) (SessionState, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return SessionState{}, err
	}
	return e.stateOf(sessionID, s, 0), nil
}

// PendingSync lists mirror writes that have not reached the shared store.
// Parked writes are probed once first: the background worker may have
// re-driven them since they were parked, and every write is an idempotent
// upsert, so the probe either clears the entry or leaves it parked.
func (e *Engine) PendingSync(ctx context.Context, sessionID string) ([]PendingMirror, error) {
	if _, err := e.session(sessionID); err != nil {
		return nil, err
	}
	e.mirror.RetryPending(ctx)
	return e.mirror.Pending(sessionID), nil
}

// ReloadCatalog re-runs the outstanding-notes query on operator request.
func (e *Engine) ReloadCatalog(ctx context.Context, sessionID string) (Progress, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return Progress{}, err
	}
	if err := s.catalog.Reload(ctx); err != nil {
		return e.progressOf(s), err
	}
	s.mu.Lock()
	s.catalog.AbsorbRecovered(s.ledger.Notes())
	s.mu.Unlock()
	return e.progressOf(s), nil
}

// Finalize closes the session into an immutable report. Session state is
// cleared only after the report is durable; a failed persist leaves the
// session untouched.
func (e *Engine) Finalize(ctx context.Context, sessionID string) (Report, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return Report{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !e.attached(sessionID, s) {
		return Report{}, ErrSessionNotFound
	}

	report, err := e.finalizer.Finalize(ctx, s.info, s.ledger, s.catalog)
	if err != nil {
		return Report{}, err
	}

	s.ledger.Clear()
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	e.dropLocal(ctx, s.info, sessionID)
	e.finalizer.Release(ctx, s.info)

	e.recordAudit(ctx, s.info, "intake:finalize", report.ID, map[string]any{
		"status":           string(report.Status),
		"quantidade_notas": report.QuantidadeNotas,
		"soma_volumes":     report.SomaVolumes,
	})
	return report, nil
}

// Reset abandons the session without producing a report.
func (e *Engine) Reset(ctx context.Context, sessionID string) error {
	s, err := e.session(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if !e.attached(sessionID, s) {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.ledger.Clear()
	s.mu.Unlock()

	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	e.dropLocal(ctx, s.info, sessionID)
	e.recordAudit(ctx, s.info, "intake:reset", sessionID, nil)
	return nil
}

// Shutdown drains in-flight mirror writes.
func (e *Engine) Shutdown() {
	e.mirror.Wait()
}

// attached reports whether s is still the registered session for id. A
// finalize or reset can win the race between the map lookup and taking
// s.mu; mutating callers re-check under s.mu so a late scan cannot write
// to an orphaned ledger or re-register a cleared directory entry.
func (e *Engine) attached(id string, s *session) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[id] == s
}

func (e *Engine) session(id string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (e *Engine) progressOf(s *session) Progress {
	return ComputeProgress(s.ledger.AcceptedCount(), s.catalog.Total())
}

func (e *Engine) stateOf(id string, s *session, recovered int) SessionState {
	return SessionState{
		SessionID:      id,
		Info:           s.info,
		Progress:       e.progressOf(s),
		Notes:          s.ledger.Notes(),
		Recovered:      recovered,
		CatalogPartial: s.catalog.Partial(),
	}
}

// persistLocal snapshots the ledger and, for a fresh acceptance, exposes
// the note number in the session directory. Callers hold s.mu so snapshots
// reach the cache in ledger order; an older snapshot can never overwrite a
// newer one. Cache failures never block the pipeline.
func (e *Engine) persistLocal(ctx context.Context, s *session, newNumeroNF string) {
	if e.cache == nil {
		return
	}
	id := s.info.SessionID()
	if err := e.cache.SaveLedger(ctx, id, s.ledger.Notes()); err != nil {
		e.logger.Warn("ledger snapshot failed", slog.String("session", id), slog.Any("error", err))
	}
	if newNumeroNF != "" {
		if err := e.cache.AddNoteNumber(ctx, s.info.Area, id, newNumeroNF); err != nil {
			e.logger.Warn("directory update failed", slog.String("session", id), slog.Any("error", err))
		}
	}
}

func (e *Engine) dropLocal(ctx context.Context, info SessionInfo, id string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.DropLedger(ctx, id); err != nil {
		e.logger.Warn("ledger drop failed", slog.String("session", id), slog.Any("error", err))
	}
	if err := e.cache.Unregister(ctx, info.Area, id); err != nil {
		e.logger.Warn("directory unregister failed", slog.String("session", id), slog.Any("error", err))
	}
}

func (e *Engine) observeRejection(area string, err error) {
	if e.observer == nil {
		return
	}
	if rule := RejectionRule(err); rule != "" {
		e.observer.ScanRejected(area, rule)
	}
}

func (e *Engine) recordAudit(ctx context.Context, info SessionInfo, action, entityID string, meta map[string]any) {
	if e.audit == nil {
		return
	}
	log := shared.AuditLog{
		Actor:    info.Colaboradores[0],
		Action:   action,
		Entity:   "intake_session",
		EntityID: entityID,
		Meta:     meta,
	}
	if err := e.audit.Record(ctx, log); err != nil {
		e.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
