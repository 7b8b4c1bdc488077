package intake

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Infrastructure sentinels.
var (
	// ErrSessionNotFound indicates an unknown or already closed session.
	ErrSessionNotFound = errors.New("intake: session not found")
	// ErrEmptySession blocks finalization of a session with no accepted notes.
	ErrEmptySession = errors.New("intake: session has no accepted notes")
	// ErrNoteNotFound indicates the note key is not in the session ledger.
	ErrNoteNotFound = errors.New("intake: note not in session")
	// ErrInvalidTransition indicates a status change the transition table forbids.
	ErrInvalidTransition = errors.New("intake: status transition not allowed")
	// ErrNoteTaken is the persistence-level backstop: the shared store already
	// holds this natural key for another session.
	ErrNoteTaken = errors.New("intake: note already recorded by another session")
	// ErrReportNotFound indicates an unknown report id.
	ErrReportNotFound = errors.New("intake: report not found")
	// ErrDivergencePayloadRequired indicates ok→divergencia without a payload.
	ErrDivergencePayloadRequired = errors.New("intake: divergence payload required")
	// ErrFinalizeInFlight indicates a concurrent finalize for the same session.
	ErrFinalizeInFlight = errors.New("intake: finalization already in progress")
)

// Rejection is implemented by every scan-rejection error so callers can
// report which rule fired.
type Rejection interface {
	error
	Rule() string
}

// MalformedCodeError reports a scanned string that does not match the
// 7-field pipe layout.
type MalformedCodeError struct {
	Reason     string
	FieldCount int
}

func (e *MalformedCodeError) Error() string {
	return fmt.Sprintf("malformed code: %s (%d fields)", e.Reason, e.FieldCount)
}

// Rule identifies the rejection rule.
func (e *MalformedCodeError) Rule() string { return "malformed_code" }

// SessionDuplicateError reports a natural key already accepted in the
// running session.
type SessionDuplicateError struct {
	Key            NoteKey
	PriorTimestamp time.Time
}

func (e *SessionDuplicateError) Error() string {
	return fmt.Sprintf("note %s already scanned in this session at %s",
		e.Key, e.PriorTimestamp.Format("15:04:05"))
}

// Rule identifies the rejection rule.
func (e *SessionDuplicateError) Rule() string { return "session_duplicate" }

// AlreadyProcessedError reports a natural key present in the shared
// processed-notes relation for the same area.
type AlreadyProcessedError struct {
	Key         NoteKey
	Area        string
	SessionID   string
	ProcessedAt time.Time
}

func (e *AlreadyProcessedError) Error() string {
	msg := fmt.Sprintf("note %s already processed in area %s", e.Key, e.Area)
	if !e.ProcessedAt.IsZero() {
		msg += " at " + e.ProcessedAt.Format("02/01/2006 15:04")
	}
	if e.SessionID != "" {
		msg += " by session " + e.SessionID
	}
	return msg
}

// Rule identifies the rejection rule.
func (e *AlreadyProcessedError) Rule() string { return "already_processed" }

// AlreadyReportedError reports a note embedded in a finalized report.
type AlreadyReportedError struct {
	Key    NoteKey
	Report ReportRef
}

func (e *AlreadyReportedError) Error() string {
	return fmt.Sprintf("note %s already belongs to report %q finalized %s",
		e.Key, e.Report.CarrierName, e.Report.DataFinalizacao.Format("02/01/2006"))
}

// Rule identifies the rejection rule.
func (e *AlreadyReportedError) Rule() string { return "already_reported" }

// ForeignSessionError reports a note number held by a currently open
// session in another area. Best-effort detection only.
type ForeignSessionError struct {
	NumeroNF      string
	Area          string
	Colaboradores []string
}

func (e *ForeignSessionError) Error() string {
	return fmt.Sprintf("note %s is open in area %s (%s)",
		e.NumeroNF, e.Area, strings.Join(e.Colaboradores, ", "))
}

// Rule identifies the rejection rule.
func (e *ForeignSessionError) Rule() string { return "foreign_session" }

// DivergenceOnFileError reports a divergence already recorded for the
// note number.
type DivergenceOnFileError struct {
	NumeroNF string
	Tipo     string
}

func (e *DivergenceOnFileError) Error() string {
	if e.Tipo != "" {
		return fmt.Sprintf("note %s has a recorded divergence (%s)", e.NumeroNF, e.Tipo)
	}
	return fmt.Sprintf("note %s has a recorded divergence", e.NumeroNF)
}

// Rule identifies the rejection rule.
func (e *DivergenceOnFileError) Rule() string { return "divergence_on_file" }

// WrongCarrierError reports a note that belongs to neither the selected
// carrier's outstanding set nor matches its name.
type WrongCarrierError struct {
	Expected       string
	Fornecedor     string
	ClienteDestino string
}

func (e *WrongCarrierError) Error() string {
	return fmt.Sprintf("note belongs to %q / %q, session carrier is %q",
		e.Fornecedor, e.ClienteDestino, e.Expected)
}

// Rule identifies the rejection rule.
func (e *WrongCarrierError) Rule() string { return "wrong_carrier" }

// MirrorSyncFailure wraps a failed asynchronous mirror write. It never
// blocks local acceptance; it is surfaced through the pending-sync list.
type MirrorSyncFailure struct {
	Key NoteKey
	Op  string
	Err error
}

func (e *MirrorSyncFailure) Error() string {
	return fmt.Sprintf("mirror %s for note %s failed: %v", e.Op, e.Key, e.Err)
}

func (e *MirrorSyncFailure) Unwrap() error { return e.Err }

// RejectionRule extracts the rule name from an error, or "" when the error
// is not a scan rejection.
func RejectionRule(err error) string {
	var rej Rejection
	if errors.As(err, &rej) {
		return rej.Rule()
	}
	return ""
}
