package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/galpao-wms/galpao-wms/internal/platform/db"
)

// Repository persists the shared note relations in PostgreSQL. Every write
// is an idempotent upsert keyed by the natural key, so retries are safe;
// the unique constraint on processed_notes is the authoritative duplicate
// backstop across departments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ConsolidatedByCarrier lists every note announced for the carrier.
func (r *Repository) ConsolidatedByCarrier(ctx context.Context, carrier CarrierKey) ([]ConsolidatedNote, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT numero_nf, fornecedor, volumes, destino, cliente_destino, tipo_carga, data, carrier_key, status
		FROM consolidated_notes
		WHERE carrier_key = $1`, carrier.String())
	if err != nil {
		return nil, fmt.Errorf("intake: consolidated by carrier: %w", err)
	}
	defer rows.Close()

	var out []ConsolidatedNote
	for rows.Next() {
		var n ConsolidatedNote
		var carrierKey, status string
		if err := rows.Scan(&n.NumeroNF, &n.Fornecedor, &n.Volumes, &n.Destino, &n.ClienteDestino, &n.TipoCarga, &n.Data, &carrierKey, &status); err != nil {
			return nil, err
		}
		if ck, err := ParseCarrierKey(carrierKey); err == nil {
			n.Carrier = ck
		}
		n.Status = ConsolidatedStatus(status)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ProcessedKeys lists the natural keys already bipped in the area.
func (r *Repository) ProcessedKeys(ctx context.Context, area string) ([]NoteKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT numero_nf, fornecedor, volumes FROM processed_notes WHERE area = $1`, area)
	if err != nil {
		return nil, fmt.Errorf("intake: processed keys: %w", err)
	}
	defer rows.Close()

	var out []NoteKey
	for rows.Next() {
		var k NoteKey
		if err := rows.Scan(&k.NumeroNF, &k.Fornecedor, &k.Volumes); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// FindProcessed returns the processed record for the key in the area, or nil.
func (r *Repository) FindProcessed(ctx context.Context, key NoteKey, area string) (*ProcessedNote, error) {
	var rec ProcessedNote
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT numero_nf, fornecedor, volumes, area, session_id, status, scanned_at
		FROM processed_notes
		WHERE numero_nf = $1 AND fornecedor = $2 AND volumes = $3 AND area = $4`,
		key.NumeroNF, key.Fornecedor, key.Volumes, area).
		Scan(&rec.NumeroNF, &rec.Fornecedor, &rec.Volumes, &rec.Area, &rec.SessionID, &status, &rec.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("intake: find processed: %w", err)
	}
	rec.Status = NoteStatus(status)
	return &rec, nil
}

// FindReported returns the finalized report embedding the key, or nil.
func (r *Repository) FindReported(ctx context.Context, key NoteKey) (*ReportRef, error) {
	probe, err := json.Marshal([]map[string]any{{
		"numero_nf":  key.NumeroNF,
		"fornecedor": key.Fornecedor,
		"volumes":    key.Volumes,
	}})
	if err != nil {
		return nil, err
	}
	var ref ReportRef
	err = r.pool.QueryRow(ctx, `
		SELECT id, carrier_name, data_finalizacao
		FROM reports
		WHERE notas @> $1::jsonb
		LIMIT 1`, string(probe)).
		Scan(&ref.ID, &ref.CarrierName, &ref.DataFinalizacao)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("intake: find reported: %w", err)
	}
	return &ref, nil
}

// FindDivergence returns the recorded divergence for the note number, or nil.
func (r *Repository) FindDivergence(ctx context.Context, numeroNF string) (*DivergenceRecord, error) {
	var rec DivergenceRecord
	err := r.pool.QueryRow(ctx, `
		SELECT numero_nf, fornecedor, volumes, tipo, volumes_informados, observacoes
		FROM divergences
		WHERE numero_nf = $1
		LIMIT 1`, numeroNF).
		Scan(&rec.NoteKey.NumeroNF, &rec.NoteKey.Fornecedor, &rec.NoteKey.Volumes,
			&rec.Tipo, &rec.VolumesInformados, &rec.Observacoes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("intake: find divergence: %w", err)
	}
	return &rec, nil
}

// ConsolidatedOwner returns the carrier that announced the key, or nil.
func (r *Repository) ConsolidatedOwner(ctx context.Context, key NoteKey) (*CarrierKey, error) {
	var raw string
	err := r.pool.QueryRow(ctx, `
		SELECT carrier_key FROM consolidated_notes
		WHERE numero_nf = $1 AND fornecedor = $2 AND volumes = $3
		LIMIT 1`, key.NumeroNF, key.Fornecedor, key.Volumes).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("intake: consolidated owner: %w", err)
	}
	ck, err := ParseCarrierKey(raw)
	if err != nil {
		return nil, err
	}
	return &ck, nil
}

// UpsertProcessed records a bipped note. The update branch only fires for
// the owning session; a conflicting row held by another session surfaces
// as ErrNoteTaken instead of being overwritten.
func (r *Repository) UpsertProcessed(ctx context.Context, rec ProcessedNote) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO processed_notes (numero_nf, fornecedor, volumes, area, session_id, status, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (numero_nf, fornecedor, volumes, area)
		DO UPDATE SET status = EXCLUDED.status, scanned_at = EXCLUDED.scanned_at
		WHERE processed_notes.session_id = EXCLUDED.session_id`,
		rec.NumeroNF, rec.Fornecedor, rec.Volumes, rec.Area, rec.SessionID, string(rec.Status), rec.Timestamp)
	if err != nil {
		return fmt.Errorf("intake: upsert processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoteTaken
	}
	return nil
}

// DeleteProcessed withdraws a processed record owned by the session.
func (r *Repository) DeleteProcessed(ctx context.Context, key NoteKey, area, sessionID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM processed_notes
		WHERE numero_nf = $1 AND fornecedor = $2 AND volumes = $3 AND area = $4 AND session_id = $5`,
		key.NumeroNF, key.Fornecedor, key.Volumes, area, sessionID)
	if err != nil {
		return fmt.Errorf("intake: delete processed: %w", err)
	}
	return nil
}

// MarkConsolidatedReceived flips the consolidated row to received.
func (r *Repository) MarkConsolidatedReceived(ctx context.Context, key NoteKey, carrier CarrierKey) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE consolidated_notes SET status = $1
		WHERE numero_nf = $2 AND fornecedor = $3 AND volumes = $4 AND carrier_key = $5`,
		string(ConsolidatedReceived), key.NumeroNF, key.Fornecedor, key.Volumes, carrier.String())
	if err != nil {
		return fmt.Errorf("intake: mark received: %w", err)
	}
	return nil
}

// UpsertDivergence records the divergence, superseding any previous record
// for the same note.
func (r *Repository) UpsertDivergence(ctx context.Context, rec DivergenceRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO divergences (numero_nf, fornecedor, volumes, tipo, volumes_informados, observacoes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (numero_nf, fornecedor, volumes)
		DO UPDATE SET tipo = EXCLUDED.tipo, volumes_informados = EXCLUDED.volumes_informados, observacoes = EXCLUDED.observacoes`,
		rec.NoteKey.NumeroNF, rec.NoteKey.Fornecedor, rec.NoteKey.Volumes,
		rec.Tipo, rec.VolumesInformados, rec.Observacoes)
	if err != nil {
		return fmt.Errorf("intake: upsert divergence: %w", err)
	}
	return nil
}

// DeleteDivergence removes the divergence record for the key.
func (r *Repository) DeleteDivergence(ctx context.Context, key NoteKey) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM divergences WHERE numero_nf = $1 AND fornecedor = $2 AND volumes = $3`,
		key.NumeroNF, key.Fornecedor, key.Volumes)
	if err != nil {
		return fmt.Errorf("intake: delete divergence: %w", err)
	}
	return nil
}

// SaveReport persists the immutable report.
func (r *Repository) SaveReport(ctx context.Context, report Report) error {
	notas, err := json.Marshal(report.Notas)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO reports (id, carrier_name, colaboradores, data, turno,
			quantidade_notas, soma_volumes, total_divergencias, status, data_finalizacao, notas)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)`,
		report.ID, report.CarrierName, report.Colaboradores, report.Data, report.Turno,
		report.QuantidadeNotas, report.SomaVolumes, report.TotalDivergencias,
		string(report.Status), report.DataFinalizacao, string(notas))
	if err != nil {
		return fmt.Errorf("intake: save report: %w", err)
	}
	return nil
}

// AdvanceReportStatus moves a report through the downstream review states.
// Only the transitions of the closed table are allowed; totals and notes
// stay frozen.
func (r *Repository) AdvanceReportStatus(ctx context.Context, reportID string, target ReportStatus) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM reports WHERE id = $1 FOR UPDATE`, reportID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("report %s: %w", reportID, ErrReportNotFound)
		}
		if err != nil {
			return fmt.Errorf("intake: load report status: %w", err)
		}
		if !ReportStatus(current).CanAdvanceTo(target) {
			return fmt.Errorf("%w: report %s to %s", ErrInvalidTransition, current, target)
		}
		if _, err := tx.Exec(ctx, `UPDATE reports SET status = $1 WHERE id = $2`, string(target), reportID); err != nil {
			return fmt.Errorf("intake: advance report status: %w", err)
		}
		return nil
	})
}
