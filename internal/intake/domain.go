package intake

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NoteStatus enumerates the lifecycle states of an accepted note.
type NoteStatus string

const (
	// StatusOK marks a note received without issues.
	StatusOK NoteStatus = "ok"
	// StatusDivergencia marks a note with a recorded volume/condition mismatch.
	StatusDivergencia NoteStatus = "divergencia"
	// StatusDevolvida marks a note returned to the carrier. Terminal.
	StatusDevolvida NoteStatus = "devolvida"
)

// IsValid checks if the status is a known state.
func (s NoteStatus) IsValid() bool {
	switch s {
	case StatusOK, StatusDivergencia, StatusDevolvida:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the transition is allowed.
// ok and divergencia toggle freely; devolvida is reachable only from ok
// and has no way back.
func (s NoteStatus) CanTransitionTo(target NoteStatus) bool {
	switch s {
	case StatusOK:
		return target == StatusDivergencia || target == StatusDevolvida
	case StatusDivergencia:
		return target == StatusOK
	default:
		return false
	}
}

// NoteKey is the natural key of a physical note. Two notes sharing a number
// but differing in supplier or declared volumes are distinct documents.
type NoteKey struct {
	NumeroNF   string
	Fornecedor string
	Volumes    int
}

// String renders the key in its canonical pipe form.
func (k NoteKey) String() string {
	return fmt.Sprintf("%s|%s|%d", k.NumeroNF, k.Fornecedor, k.Volumes)
}

// Divergence records a mismatch between declared and received volumes.
type Divergence struct {
	Tipo              string `json:"tipo"`
	VolumesInformados int    `json:"volumes_informados"`
	Observacoes       string `json:"observacoes,omitempty"`
}

// Note is one scanned delivery note.
type Note struct {
	NumeroNF       string      `json:"numero_nf"`
	Data           string      `json:"data"`
	Volumes        int         `json:"volumes"`
	Destino        string      `json:"destino"`
	Fornecedor     string      `json:"fornecedor"`
	ClienteDestino string      `json:"cliente_destino"`
	TipoCarga      string      `json:"tipo_carga"`
	CodigoCompleto string      `json:"codigo_completo"`
	Timestamp      time.Time   `json:"timestamp"`
	Status         NoteStatus  `json:"status"`
	Divergencia    *Divergence `json:"divergencia,omitempty"`
}

// Key returns the natural key of the note.
func (n Note) Key() NoteKey {
	return NoteKey{NumeroNF: n.NumeroNF, Fornecedor: n.Fornecedor, Volumes: n.Volumes}
}

// EffectiveVolumes is the volume count a report must account for: the
// informed count when a divergence is on file, the declared count otherwise.
func (n Note) EffectiveVolumes() int {
	if n.Divergencia != nil {
		return n.Divergencia.VolumesInformados
	}
	return n.Volumes
}

// CarrierKey identifies one carrier load. The entry date disambiguates
// same-named carriers entered on different days.
type CarrierKey struct {
	EntryDate string
	Name      string
}

// ParseCarrierKey parses the "DD/MM/AAAA - name" wire form.
func ParseCarrierKey(s string) (CarrierKey, error) {
	date, name, found := strings.Cut(s, " - ")
	if !found || strings.TrimSpace(date) == "" || strings.TrimSpace(name) == "" {
		return CarrierKey{}, fmt.Errorf("intake: malformed carrier key %q", s)
	}
	return CarrierKey{EntryDate: strings.TrimSpace(date), Name: strings.TrimSpace(name)}, nil
}

// String renders the carrier key in its wire form.
func (k CarrierKey) String() string {
	return k.EntryDate + " - " + k.Name
}

// IsZero reports whether no carrier is selected.
func (k CarrierKey) IsZero() bool {
	return k.EntryDate == "" && k.Name == ""
}

// ConsolidatedStatus tracks a note inside the consolidated intake relation.
type ConsolidatedStatus string

const (
	// ConsolidatedEntered means the note was announced for a carrier.
	ConsolidatedEntered ConsolidatedStatus = "entered"
	// ConsolidatedReceived means the note was physically received.
	ConsolidatedReceived ConsolidatedStatus = "received"
)

// ConsolidatedNote is one row of the consolidated intake relation.
type ConsolidatedNote struct {
	NumeroNF       string
	Fornecedor     string
	Volumes        int
	Destino        string
	ClienteDestino string
	TipoCarga      string
	Data           string
	Carrier        CarrierKey
	Status         ConsolidatedStatus
}

// Key returns the natural key of the consolidated row.
func (c ConsolidatedNote) Key() NoteKey {
	return NoteKey{NumeroNF: c.NumeroNF, Fornecedor: c.Fornecedor, Volumes: c.Volumes}
}

// ProcessedNote is the shared cross-session record of a bipped note.
type ProcessedNote struct {
	NumeroNF   string
	Fornecedor string
	Volumes    int
	Area       string
	SessionID  string
	Status     NoteStatus
	Timestamp  time.Time
}

// Key returns the natural key of the processed record.
func (p ProcessedNote) Key() NoteKey {
	return NoteKey{NumeroNF: p.NumeroNF, Fornecedor: p.Fornecedor, Volumes: p.Volumes}
}

// DivergenceRecord is the durable divergence relation row.
type DivergenceRecord struct {
	NoteKey           NoteKey
	Tipo              string
	VolumesInformados int
	Observacoes       string
}

// ReportStatus enumerates the lifecycle of a finalized report.
type ReportStatus string

const (
	// ReportLiberado means every outstanding note of the carrier was received.
	ReportLiberado ReportStatus = "liberado"
	// ReportLiberadoParcialmente means the session closed with notes missing.
	ReportLiberadoParcialmente ReportStatus = "liberado_parcialmente"
	// ReportEmLancamento means a reviewer picked the report up.
	ReportEmLancamento ReportStatus = "em_lancamento"
	// ReportLancado means the report was booked downstream.
	ReportLancado ReportStatus = "lancado"
)

// CanAdvanceTo encodes the downstream review transitions. Totals and notes
// are frozen at creation regardless of status.
func (s ReportStatus) CanAdvanceTo(target ReportStatus) bool {
	switch s {
	case ReportLiberado, ReportLiberadoParcialmente:
		return target == ReportEmLancamento
	case ReportEmLancamento:
		return target == ReportLancado
	default:
		return false
	}
}

// Report is the immutable artifact of a finalized session.
type Report struct {
	ID                string       `json:"id"`
	CarrierName       string       `json:"carrier_name"`
	Colaboradores     []string     `json:"colaboradores"`
	Data              string       `json:"data"`
	Turno             string       `json:"turno"`
	QuantidadeNotas   int          `json:"quantidade_notas"`
	SomaVolumes       int          `json:"soma_volumes"`
	TotalDivergencias int          `json:"total_divergencias"`
	Status            ReportStatus `json:"status"`
	DataFinalizacao   time.Time    `json:"data_finalizacao"`
	Notas             []Note       `json:"notas"`
}

// ReportRef is the minimal identification of a report holding a note,
// used to explain rejections.
type ReportRef struct {
	ID              string
	CarrierName     string
	DataFinalizacao time.Time
}

// Progress is the live completion snapshot of a session.
type Progress struct {
	Accepted int `json:"accepted"`
	Total    int `json:"total"`
	Percent  int `json:"percent"`
}

// SessionInfo describes one operator working period against one carrier.
type SessionInfo struct {
	Area          string     `json:"area"`
	Colaboradores []string   `json:"colaboradores"`
	Data          string     `json:"data"`
	Turno         string     `json:"turno"`
	Carrier       CarrierKey `json:"carrier"`
}

// SessionID derives the deterministic session identity used by the local
// cache, the processed-notes relation and the URL path. Spaces are stripped
// and date slashes flattened so the identity stays path-safe.
func (s SessionInfo) SessionID() string {
	parts := []string{s.Area, strings.Join(s.Colaboradores, "-"), s.Data, s.Turno}
	for i, p := range parts {
		p = strings.ReplaceAll(strings.TrimSpace(p), " ", "")
		parts[i] = strings.ReplaceAll(p, "/", "-")
	}
	return strings.Join(parts, "_")
}

// Validate checks the minimum shape of a session.
func (s SessionInfo) Validate() error {
	if s.Area == "" {
		return errors.New("intake: session area required")
	}
	if len(s.Colaboradores) == 0 {
		return errors.New("intake: at least one operator required")
	}
	if s.Data == "" || s.Turno == "" {
		return errors.New("intake: session date and shift required")
	}
	return nil
}

// ActiveSession is one entry of the cross-department session directory.
type ActiveSession struct {
	SessionID     string    `json:"session_id"`
	Area          string    `json:"area"`
	Colaboradores []string  `json:"colaboradores"`
	NumerosNF     []string  `json:"numeros_nf"`
	StartedAt     time.Time `json:"started_at"`
}
