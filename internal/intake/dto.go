package intake

// StartSessionRequest opens a session against one carrier.
type StartSessionRequest struct {
	Area          string   `json:"area" validate:"required,max=40"`
	Colaboradores []string `json:"colaboradores" validate:"required,min=1,dive,required,max=120"`
	Data          string   `json:"data" validate:"required"`
	Turno         string   `json:"turno" validate:"required,max=20"`
	CarrierKey    string   `json:"carrier_key" validate:"required"`
}

// ScanRequest submits one scanned code.
type ScanRequest struct {
	Code string `json:"code" validate:"required"`
}

// ScanResponse returns the accepted note and the refreshed progress.
type ScanResponse struct {
	Note     Note     `json:"note"`
	Progress Progress `json:"progress"`
}

// DivergencePayload carries the divergence details for ok → divergencia.
type DivergencePayload struct {
	Tipo              string `json:"tipo" validate:"required,max=60"`
	VolumesInformados int    `json:"volumes_informados" validate:"required,gt=0"`
	Observacoes       string `json:"observacoes" validate:"max=500"`
}

// NoteStatusRequest requests a status transition for an accepted note.
type NoteStatusRequest struct {
	NumeroNF    string             `json:"numero_nf" validate:"required"`
	Fornecedor  string             `json:"fornecedor" validate:"required"`
	Volumes     int                `json:"volumes" validate:"required,gt=0"`
	Status      string             `json:"status" validate:"required,oneof=ok divergencia devolvida"`
	Divergencia *DivergencePayload `json:"divergencia,omitempty" validate:"omitempty"`
}

// NoteStatusResponse returns the updated note and the refreshed progress.
type NoteStatusResponse struct {
	Note     Note     `json:"note"`
	Progress Progress `json:"progress"`
}

// RemoveNoteRequest withdraws a note from the session.
type RemoveNoteRequest struct {
	NumeroNF   string `json:"numero_nf" validate:"required"`
	Fornecedor string `json:"fornecedor" validate:"required"`
	Volumes    int    `json:"volumes" validate:"required,gt=0"`
}

// AdvanceReportRequest moves a report through the review pipeline.
type AdvanceReportRequest struct {
	Status string `json:"status" validate:"required,oneof=em_lancamento lancado"`
}
