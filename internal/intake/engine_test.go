package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine   *Engine
	store    *memStore
	cache    *memCache
	guard    *memFinalizeGuard
	observer *memObserver
	enqueuer *memEnqueuer
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := newMemStore()
	cache := newMemCache()
	guard := newMemFinalizeGuard()
	observer := newMemObserver()
	enqueuer := &memEnqueuer{}
	engine := NewEngine(store, cache, guard, nil, observer, enqueuer, EngineConfig{
		Guard:         GuardConfig{CheckTimeout: time.Second},
		MirrorTimeout: time.Second,
	}, nil)
	return &engineFixture{engine: engine, store: store, cache: cache, guard: guard, observer: observer, enqueuer: enqueuer}
}

func (f *engineFixture) start(t *testing.T, sess SessionInfo) SessionState {
	t.Helper()
	state, err := f.engine.StartSession(context.Background(), sess)
	require.NoError(t, err)
	return state
}

func TestStartSessionRequiresCarrier(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	sess.Carrier = CarrierKey{}
	_, err := f.engine.StartSession(context.Background(), sess)
	require.Error(t, err)
}

func TestStartSessionIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100")

	first := f.start(t, sess)
	_, _, err := f.engine.Scan(context.Background(), first.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)

	again := f.start(t, sess)
	assert.Equal(t, first.SessionID, again.SessionID)
	assert.Len(t, again.Notes, 1)
}

func TestScanAcceptHappyPath(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100", "200")
	state := f.start(t, sess)

	note, progress, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)
	assert.Equal(t, "100", note.NumeroNF)
	assert.Equal(t, Progress{Accepted: 1, Total: 2, Percent: 50}, progress)
	assert.Equal(t, 1, f.observer.accepted)

	f.engine.Mirror().Wait()
	rec, ok := f.store.processedRecord(note.Key(), sess.Area)
	require.True(t, ok)
	assert.Equal(t, state.SessionID, rec.SessionID)

	// ledger snapshot and directory entry follow each acceptance
	saved, err := f.cache.LoadLedger(context.Background(), state.SessionID)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	active, err := f.cache.ActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Contains(t, active[0].NumerosNF, "100")
}

func TestScanRejectionsObserved(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100")
	state := f.start(t, sess)

	_, _, err := f.engine.Scan(context.Background(), state.SessionID, "lixo")
	assert.Equal(t, "malformed_code", RejectionRule(err))

	_, _, err = f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)
	_, _, err = f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	assert.Equal(t, "session_duplicate", RejectionRule(err))

	_, _, err = f.engine.Scan(context.Background(), state.SessionID, scanCode("999", "Outra Transportadora", 10))
	assert.Equal(t, "wrong_carrier", RejectionRule(err))

	assert.Equal(t, 1, f.observer.rejected["malformed_code"])
	assert.Equal(t, 1, f.observer.rejected["session_duplicate"])
	assert.Equal(t, 1, f.observer.rejected["wrong_carrier"])
}

func TestScanUnknownSession(t *testing.T) {
	f := newEngineFixture(t)
	_, _, err := f.engine.Scan(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestScanRejectsNoteFromFinalizedReport(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100")
	state := f.start(t, sess)

	_, _, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)
	f.engine.Mirror().Wait()
	_, err = f.engine.Finalize(context.Background(), state.SessionID)
	require.NoError(t, err)

	// a fresh session in another area rescanning the same note gets past
	// the per-area processed check and hits the report check
	sess2 := sess
	sess2.Area = "recebimento"
	sess2.Turno = "tarde"
	state2 := f.start(t, sess2)
	_, _, err = f.engine.Scan(context.Background(), state2.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	var reported *AlreadyReportedError
	require.True(t, errors.As(err, &reported))
}

func TestSetNoteStatusAndProgress(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100", "200")
	state := f.start(t, sess)

	note, _, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)

	updated, progress, err := f.engine.SetNoteStatus(context.Background(), state.SessionID, note.Key(), StatusChange{Target: StatusDevolvida})
	require.NoError(t, err)
	assert.Equal(t, StatusDevolvida, updated.Status)
	// a returned note stays in the ledger but stops counting as received
	assert.Equal(t, Progress{Accepted: 0, Total: 2, Percent: 0}, progress)
}

func TestRemoveNoteRestoresOutstanding(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100")
	state := f.start(t, sess)

	note, progress, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)
	require.Equal(t, 100, progress.Percent)
	f.engine.Mirror().Wait()

	progress, err = f.engine.RemoveNote(context.Background(), state.SessionID, note.Key())
	require.NoError(t, err)
	assert.Equal(t, Progress{Accepted: 0, Total: 1, Percent: 0}, progress)

	f.engine.Mirror().Wait()
	_, ok := f.store.processedRecord(note.Key(), sess.Area)
	assert.False(t, ok)

	// the note can be scanned again
	_, _, err = f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)
}

func TestFinalizeClearsSession(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100")
	state := f.start(t, sess)

	_, _, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)

	report, err := f.engine.Finalize(context.Background(), state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ReportLiberado, report.Status)
	assert.Equal(t, 1, report.QuantidadeNotas)

	_, err = f.engine.State(state.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	saved, err := f.cache.LoadLedger(context.Background(), state.SessionID)
	require.NoError(t, err)
	assert.Empty(t, saved)
	active, err := f.cache.ActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestFinalizeEmptySessionKeepsSession(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100")
	state := f.start(t, sess)

	_, err := f.engine.Finalize(context.Background(), state.SessionID)
	assert.ErrorIs(t, err, ErrEmptySession)

	_, err = f.engine.State(state.SessionID)
	require.NoError(t, err)
}

func TestFinalizeFailurePreservesSession(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100")
	state := f.start(t, sess)

	_, _, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)

	f.store.mu.Lock()
	f.store.saveErr = errors.New("pg down")
	f.store.mu.Unlock()
	_, err = f.engine.Finalize(context.Background(), state.SessionID)
	require.Error(t, err)

	st, err := f.engine.State(state.SessionID)
	require.NoError(t, err)
	assert.Len(t, st.Notes, 1)

	f.store.mu.Lock()
	f.store.saveErr = nil
	f.store.mu.Unlock()
	_, err = f.engine.Finalize(context.Background(), state.SessionID)
	require.NoError(t, err)
}

func TestFinalizeSecondCarrierSameShift(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100")
	state := f.start(t, sess)

	_, _, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)
	_, err = f.engine.Finalize(context.Background(), state.SessionID)
	require.NoError(t, err)

	// the same team moves on to the next truck within the same shift; the
	// session id collides on area, collaborators, date and turno
	sess2 := sess
	sess2.Carrier = CarrierKey{EntryDate: sess.Carrier.EntryDate, Name: "Logistica Agil"}
	require.Equal(t, sess.SessionID(), sess2.SessionID())
	seedConsolidated(f.store, sess2.Carrier, "300")

	state2 := f.start(t, sess2)
	_, _, err = f.engine.Scan(context.Background(), state2.SessionID, scanCode("300", "Fornecedor Qualquer", 10))
	require.NoError(t, err)

	report, err := f.engine.Finalize(context.Background(), state2.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Logistica Agil", report.CarrierName)
	require.Len(t, f.store.savedReports(), 2)
}

func TestConcurrentScansKeepLedgerSnapshotComplete(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	numeros := make([]string, 8)
	for i := range numeros {
		numeros[i] = fmt.Sprintf("10%d", i)
	}
	seedConsolidated(f.store, sess.Carrier, numeros...)
	state := f.start(t, sess)

	var wg sync.WaitGroup
	for _, nf := range numeros {
		wg.Add(1)
		go func(nf string) {
			defer wg.Done()
			_, _, err := f.engine.Scan(context.Background(), state.SessionID, scanCode(nf, "Fornecedor Qualquer", 10))
			assert.NoError(t, err)
		}(nf)
	}
	wg.Wait()

	// snapshots are written under the session lock, so the last one holds
	// every accepted note regardless of scan interleaving
	saved, err := f.cache.LoadLedger(context.Background(), state.SessionID)
	require.NoError(t, err)
	assert.Len(t, saved, len(numeros))
}

func TestMutationsOnDetachedSessionRejected(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100", "200")
	state := f.start(t, sess)

	_, _, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)

	// a racing scan resolves the session pointer just before finalize wins
	stale, err := f.engine.session(state.SessionID)
	require.NoError(t, err)
	_, err = f.engine.Finalize(context.Background(), state.SessionID)
	require.NoError(t, err)

	// the stale pointer is no longer the registered session, so the late
	// mutation bails out instead of touching the orphaned ledger
	assert.False(t, f.engine.attached(state.SessionID, stale))

	// re-opening the same id registers a fresh pointer; only that one may
	// mutate under the id
	fresh := f.start(t, sess)
	require.Equal(t, state.SessionID, fresh.SessionID)
	current, err := f.engine.session(fresh.SessionID)
	require.NoError(t, err)
	assert.False(t, f.engine.attached(state.SessionID, stale))
	assert.True(t, f.engine.attached(fresh.SessionID, current))

	// the finalized session left no ghost directory entry behind
	active, err := f.cache.ActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, fresh.SessionID, active[0].SessionID)
}

func TestSessionRecoveryAfterRestart(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100", "200")
	state := f.start(t, sess)

	_, _, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)
	f.engine.Shutdown()

	// a new engine over the same store and cache simulates a restart
	restarted := NewEngine(f.store, f.cache, newMemFinalizeGuard(), nil, nil, nil, EngineConfig{}, nil)
	recovered, err := restarted.StartSession(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered.Recovered)
	require.Len(t, recovered.Notes, 1)
	assert.Equal(t, "100", recovered.Notes[0].NumeroNF)
	assert.Equal(t, Progress{Accepted: 1, Total: 2, Percent: 50}, recovered.Progress)

	// the recovered note is still a duplicate
	_, _, err = restarted.Scan(context.Background(), recovered.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	assert.Equal(t, "session_duplicate", RejectionRule(err))
}

func TestPendingSyncSurfacesParkedWrites(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100")
	state := f.start(t, sess)

	f.store.mu.Lock()
	f.store.upsertErr = errors.New("pg down")
	f.store.mu.Unlock()

	_, _, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err, "mirror failure must not block acceptance")
	f.engine.Mirror().Wait()

	pending, err := f.engine.PendingSync(context.Background(), state.SessionID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, MirrorOpAccept, pending[0].Op)
	require.Len(t, f.enqueuer.enqueued(), 1)
}

func TestPendingSyncClearsWritesRecoveredElsewhere(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100")
	state := f.start(t, sess)

	f.store.mu.Lock()
	f.store.upsertErr = errors.New("pg down")
	f.store.mu.Unlock()

	note, _, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)
	f.engine.Mirror().Wait()
	require.Len(t, f.engine.Mirror().Pending(state.SessionID), 1)

	// the store comes back (or the worker re-drove the write); the next
	// pending-sync probe must clear the parked entry instead of showing it
	// to the operator forever
	f.store.mu.Lock()
	f.store.upsertErr = nil
	f.store.mu.Unlock()

	pending, err := f.engine.PendingSync(context.Background(), state.SessionID)
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, ok := f.store.processedRecord(note.Key(), sess.Area)
	assert.True(t, ok)
	assert.Equal(t, 1, f.observer.recovered["accept"])
}

func TestReloadCatalogKeepsAcceptedPruned(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100")
	state := f.start(t, sess)

	_, _, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)

	f.store.mu.Lock()
	f.store.consolidated = append(f.store.consolidated, ConsolidatedNote{
		NumeroNF: "200", Fornecedor: "Fornecedor Qualquer", Volumes: 10,
		Carrier: sess.Carrier, Status: ConsolidatedEntered,
	})
	f.store.mu.Unlock()
	f.engine.Mirror().Wait()

	progress, err := f.engine.ReloadCatalog(context.Background(), state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Accepted)
	assert.Equal(t, 2, progress.Total)

	// the accepted note must not be rescannable after the reload
	_, _, err = f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	assert.Equal(t, "session_duplicate", RejectionRule(err))
}

func TestResetAbandonsSession(t *testing.T) {
	f := newEngineFixture(t)
	sess := testSession()
	seedConsolidated(f.store, sess.Carrier, "100")
	state := f.start(t, sess)

	_, _, err := f.engine.Scan(context.Background(), state.SessionID, scanCode("100", "Fornecedor Qualquer", 10))
	require.NoError(t, err)
	require.NoError(t, f.engine.Reset(context.Background(), state.SessionID))

	_, err = f.engine.State(state.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, f.store.savedReports())
}
