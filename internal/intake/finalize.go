package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/galpao-wms/galpao-wms/internal/shared"
)

// ReportStore persists finalized reports.
type ReportStore interface {
	SaveReport(ctx context.Context, report Report) error
}

// FinalizeGuard protects against double-submission of the same session.
// Satisfied by shared.IdempotencyStore.
type FinalizeGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ReportFinalizer closes a session into an immutable report. The report is
// durably persisted before any session state is cleared, so callers never
// observe a cleared session without its report.
type ReportFinalizer struct {
	reports ReportStore
	guard   FinalizeGuard
	logger  *slog.Logger
}

// NewReportFinalizer constructs the finalizer. guard may be nil.
func NewReportFinalizer(reports ReportStore, guard FinalizeGuard, logger *slog.Logger) *ReportFinalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportFinalizer{reports: reports, guard: guard, logger: logger}
}

// BuildReport computes the frozen totals and the completion classification
// for a ledger snapshot. Pure; persistence is the caller's concern.
func BuildReport(sess SessionInfo, notes []Note, progress Progress) Report {
	soma := 0
	divergencias := 0
	for _, n := range notes {
		soma += n.EffectiveVolumes()
		if n.Status == StatusDivergencia || n.Divergencia != nil {
			divergencias++
		}
	}
	status := ReportLiberadoParcialmente
	if progress.Percent == 100 {
		status = ReportLiberado
	}
	return Report{
		ID:                uuid.NewString(),
		CarrierName:       sess.Carrier.Name,
		Colaboradores:     append([]string(nil), sess.Colaboradores...),
		Data:              sess.Data,
		Turno:             sess.Turno,
		QuantidadeNotas:   len(notes),
		SomaVolumes:       soma,
		TotalDivergencias: divergencias,
		Status:            status,
		DataFinalizacao:   time.Now().UTC(),
		Notas:             notes,
	}
}

func finalizeKey(sess SessionInfo) string {
	return "finalize:" + sess.SessionID()
}

// Finalize validates, builds and persists the report. It does not clear the
// ledger; the engine clears session state only after Finalize returns nil.
func (f *ReportFinalizer) Finalize(ctx context.Context, sess SessionInfo, ledger *SessionLedger, catalog *CarrierCatalog) (Report, error) {
	notes := ledger.Notes()
	if len(notes) == 0 {
		return Report{}, ErrEmptySession
	}

	total := 0
	if catalog != nil {
		total = catalog.Total()
	}
	progress := ComputeProgress(ledger.AcceptedCount(), total)
	report := BuildReport(sess, notes, progress)

	idemKey := finalizeKey(sess)
	if f.guard != nil {
		if err := f.guard.CheckAndInsert(ctx, idemKey, "intake"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Report{}, ErrFinalizeInFlight
			}
			return Report{}, fmt.Errorf("intake: finalize guard: %w", err)
		}
	}

	if err := f.reports.SaveReport(ctx, report); err != nil {
		if f.guard != nil {
			if delErr := f.guard.Delete(ctx, idemKey); delErr != nil {
				f.logger.Warn("release finalize key", slog.Any("error", delErr))
			}
		}
		return Report{}, fmt.Errorf("intake: persist report: %w", err)
	}
	return report, nil
}

// Release frees the in-flight key after the engine has cleared the session.
// The key only guards the window between SaveReport and the session-map
// delete; holding it past that would block the same team's next carrier,
// whose session id collides on area, date and shift.
func (f *ReportFinalizer) Release(ctx context.Context, sess SessionInfo) {
	if f.guard == nil {
		return
	}
	if err := f.guard.Delete(ctx, finalizeKey(sess)); err != nil {
		f.logger.Warn("release finalize key", slog.Any("error", err))
	}
}
