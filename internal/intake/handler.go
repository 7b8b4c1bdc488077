package intake

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/galpao-wms/galpao-wms/internal/platform/httpx"
)

// ReportAdvancer is the slice of the repository the review endpoint uses.
type ReportAdvancer interface {
	AdvanceReportStatus(ctx context.Context, reportID string, target ReportStatus) error
}

// Handler wires the intake engine into HTTP.
type Handler struct {
	logger   *slog.Logger
	engine   *Engine
	reports  ReportAdvancer
	validate *validator.Validate
}

// NewHandler constructs the intake handler.
func NewHandler(logger *slog.Logger, engine *Engine, reports ReportAdvancer) *Handler {
	return &Handler{
		logger:   logger,
		engine:   engine,
		reports:  reports,
		validate: validator.New(),
	}
}

// MountRoutes registers intake routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleStartSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleSessionState)
			r.Delete("/", h.handleReset)
			r.Post("/scans", h.handleScan)
			r.Post("/notes/status", h.handleNoteStatus)
			r.Post("/notes/remove", h.handleRemoveNote)
			r.Post("/catalog/reload", h.handleReloadCatalog)
			r.Get("/pending-sync", h.handlePendingSync)
			r.Post("/finalize", h.handleFinalize)
		})
	})
	r.Post("/reports/{reportID}/status", h.handleAdvanceReport)
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	carrier, err := ParseCarrierKey(req.CarrierKey)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	state, err := h.engine.StartSession(r.Context(), SessionInfo{
		Area:          req.Area,
		Colaboradores: req.Colaboradores,
		Data:          req.Data,
		Turno:         req.Turno,
		Carrier:       carrier,
	})
	if err != nil {
		h.logger.Error("start session", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Session Start Failed", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, state)
}

func (h *Handler) handleSessionState(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.State(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, state)
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	note, progress, err := h.engine.Scan(r.Context(), chi.URLParam(r, "sessionID"), req.Code)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ScanResponse{Note: note, Progress: progress})
}

func (h *Handler) handleNoteStatus(w http.ResponseWriter, r *http.Request) {
	var req NoteStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	change := StatusChange{Target: NoteStatus(req.Status)}
	if req.Divergencia != nil {
		change.Divergence = &Divergence{
			Tipo:              req.Divergencia.Tipo,
			VolumesInformados: req.Divergencia.VolumesInformados,
			Observacoes:       req.Divergencia.Observacoes,
		}
	}
	key := NoteKey{NumeroNF: req.NumeroNF, Fornecedor: req.Fornecedor, Volumes: req.Volumes}
	note, progress, err := h.engine.SetNoteStatus(r.Context(), chi.URLParam(r, "sessionID"), key, change)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NoteStatusResponse{Note: note, Progress: progress})
}

func (h *Handler) handleRemoveNote(w http.ResponseWriter, r *http.Request) {
	var req RemoveNoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	key := NoteKey{NumeroNF: req.NumeroNF, Fornecedor: req.Fornecedor, Volumes: req.Volumes}
	progress, err := h.engine.RemoveNote(r.Context(), chi.URLParam(r, "sessionID"), key)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, progress)
}

func (h *Handler) handleReloadCatalog(w http.ResponseWriter, r *http.Request) {
	progress, err := h.engine.ReloadCatalog(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, progress)
}

func (h *Handler) handlePendingSync(w http.ResponseWriter, r *http.Request) {
	pending, err := h.engine.PendingSync(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Finalize(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, report)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Reset(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAdvanceReport(w http.ResponseWriter, r *http.Request) {
	var req AdvanceReportRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	err := h.reports.AdvanceReportStatus(r.Context(), chi.URLParam(r, "reportID"), ReportStatus(req.Status))
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// rejectionProblem extends the problem shape with the rule that fired and
// enough detail for the operator to act on the physical note.
type rejectionProblem struct {
	httpx.ProblemDetail
	Rule string `json:"rule"`
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var rej Rejection
	if errors.As(err, &rej) {
		status := http.StatusConflict
		switch rej.(type) {
		case *MalformedCodeError:
			status = http.StatusBadRequest
		case *WrongCarrierError:
			status = http.StatusUnprocessableEntity
		}
		httpx.JSON(w, status, rejectionProblem{
			ProblemDetail: httpx.ProblemDetail{
				Title:  "Scan Rejected",
				Status: status,
				Detail: rej.Error(),
			},
			Rule: rej.Rule(),
		})
		return
	}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		httpx.Problem(w, http.StatusNotFound, "Session Not Found", err.Error())
	case errors.Is(err, ErrNoteNotFound):
		httpx.Problem(w, http.StatusNotFound, "Note Not Found", err.Error())
	case errors.Is(err, ErrReportNotFound):
		httpx.Problem(w, http.StatusNotFound, "Report Not Found", err.Error())
	case errors.Is(err, ErrEmptySession):
		httpx.Problem(w, http.StatusBadRequest, "Empty Session", err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDivergencePayloadRequired):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Transition", err.Error())
	case errors.Is(err, ErrFinalizeInFlight):
		httpx.Problem(w, http.StatusConflict, "Finalization In Progress", err.Error())
	default:
		h.logger.Error("intake request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
