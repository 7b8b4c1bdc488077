package intake

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// GuardStore is the slice of the note store the guard consults.
type GuardStore interface {
	// FindProcessed returns the processed record for the natural key in the
	// given area, or nil when none exists.
	FindProcessed(ctx context.Context, key NoteKey, area string) (*ProcessedNote, error)
	// FindReported returns the report holding the natural key, or nil.
	FindReported(ctx context.Context, key NoteKey) (*ReportRef, error)
	// FindDivergence returns the recorded divergence for the note number, or nil.
	FindDivergence(ctx context.Context, numeroNF string) (*DivergenceRecord, error)
	// ConsolidatedOwner returns the carrier that announced the natural key,
	// or nil when the note is unknown to the consolidated relation.
	ConsolidatedOwner(ctx context.Context, key NoteKey) (*CarrierKey, error)
}

// SessionDirectory lists currently open sessions across departments.
// Implementations are expected to be best-effort; the guard degrades
// silently when the directory is unreachable.
type SessionDirectory interface {
	ActiveSessions(ctx context.Context) ([]ActiveSession, error)
}

// GuardObserver receives inconclusive-check notifications so systemic
// outages stay visible even though the guard fails open.
type GuardObserver interface {
	CheckInconclusive(check string, timedOut bool)
}

// GuardConfig tunes the guard's remote-check behaviour.
type GuardConfig struct {
	// CheckTimeout bounds each remote check independently so one slow
	// lookup cannot stall the scanning pipeline.
	CheckTimeout time.Duration
	// RecheckOwnershipLive re-checks carrier ownership against the store
	// when the catalog misses the key and the name heuristic fails, before
	// rejecting on a possibly stale cache.
	RecheckOwnershipLive bool
}

const defaultCheckTimeout = 3 * time.Second

// DuplicateGuard decides ACCEPT or REJECT for a parsed note. Checks run in
// a fixed order and short-circuit on the first hit. Remote checks are
// best-effort: a timeout or store failure is inconclusive, never a
// rejection, trading strict consistency for scanning availability. The
// store's unique natural key remains the authoritative backstop.
type DuplicateGuard struct {
	store     GuardStore
	directory SessionDirectory
	cfg       GuardConfig
	logger    *slog.Logger
	observer  GuardObserver
}

// NewDuplicateGuard constructs the guard.
func NewDuplicateGuard(store GuardStore, directory SessionDirectory, cfg GuardConfig, logger *slog.Logger, observer GuardObserver) *DuplicateGuard {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaultCheckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplicateGuard{store: store, directory: directory, cfg: cfg, logger: logger, observer: observer}
}

// Validate runs the rule chain for one note draft. A nil return means the
// note may be appended to the session ledger.
func (g *DuplicateGuard) Validate(ctx context.Context, note Note, ledger *SessionLedger, catalog *CarrierCatalog, sess SessionInfo) error {
	key := note.Key()

	// 1. In-session duplicate. Local state, fail-closed.
	if prior, ok := ledger.Find(key); ok {
		return &SessionDuplicateError{Key: key, PriorTimestamp: prior.Timestamp}
	}

	// 2. Already bipped by any session of the same area.
	if err := g.bestEffort(ctx, "processed", func(ctx context.Context) error {
		rec, err := g.store.FindProcessed(ctx, key, sess.Area)
		if err != nil {
			return err
		}
		if rec != nil {
			return &AlreadyProcessedError{Key: key, Area: rec.Area, SessionID: rec.SessionID, ProcessedAt: rec.Timestamp}
		}
		return nil
	}); err != nil {
		return err
	}

	// 3. Already embedded in a finalized report.
	if err := g.bestEffort(ctx, "reported", func(ctx context.Context) error {
		ref, err := g.store.FindReported(ctx, key)
		if err != nil {
			return err
		}
		if ref != nil {
			return &AlreadyReportedError{Key: key, Report: *ref}
		}
		return nil
	}); err != nil {
		return err
	}

	// 4. Open session in another department holding the same note number.
	// Skipped entirely when no directory is wired.
	if g.directory != nil {
		if err := g.bestEffort(ctx, "foreign_session", func(ctx context.Context) error {
			active, err := g.directory.ActiveSessions(ctx)
			if err != nil {
				return err
			}
			for _, fs := range active {
				if fs.Area == sess.Area {
					continue
				}
				for _, nf := range fs.NumerosNF {
					if nf == note.NumeroNF {
						return &ForeignSessionError{NumeroNF: note.NumeroNF, Area: fs.Area, Colaboradores: fs.Colaboradores}
					}
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}

	// 5. Divergence already on file for this note number.
	if err := g.bestEffort(ctx, "divergence", func(ctx context.Context) error {
		rec, err := g.store.FindDivergence(ctx, note.NumeroNF)
		if err != nil {
			return err
		}
		if rec != nil {
			return &DivergenceOnFileError{NumeroNF: note.NumeroNF, Tipo: rec.Tipo}
		}
		return nil
	}); err != nil {
		return err
	}

	// 6. Carrier ownership. Local state, fail-closed.
	if catalog != nil && !catalog.Carrier().IsZero() {
		if catalog.Contains(key) || catalog.MatchesCarrierName(note) {
			return nil
		}
		if g.cfg.RecheckOwnershipLive {
			owned := false
			_ = g.bestEffort(ctx, "ownership_recheck", func(ctx context.Context) error {
				owner, err := g.store.ConsolidatedOwner(ctx, key)
				if err != nil {
					return err
				}
				if owner != nil && *owner == catalog.Carrier() {
					owned = true
				}
				return nil
			})
			if owned {
				return nil
			}
		}
		return &WrongCarrierError{
			Expected:       catalog.Carrier().Name,
			Fornecedor:     note.Fornecedor,
			ClienteDestino: note.ClienteDestino,
		}
	}

	return nil
}

// bestEffort runs one remote check under its own timeout. Rejections pass
// through; infrastructure failures and timeouts are logged, counted and
// swallowed as inconclusive.
func (g *DuplicateGuard) bestEffort(ctx context.Context, name string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CheckTimeout)
	defer cancel()
	err := fn(cctx)
	if err == nil {
		return nil
	}
	var rej Rejection
	if errors.As(err, &rej) {
		return err
	}
	timedOut := errors.Is(err, context.DeadlineExceeded)
	g.logger.Warn("guard check inconclusive",
		slog.String("check", name),
		slog.Bool("timeout", timedOut),
		slog.Any("error", err))
	if g.observer != nil {
		g.observer.CheckInconclusive(name, timedOut)
	}
	return nil
}
