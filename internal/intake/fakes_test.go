package intake

import (
	"context"
	"sync"
	"time"

	"github.com/galpao-wms/galpao-wms/internal/shared"
)

// memStore is an in-memory Store with per-method failure injection.
type memStore struct {
	mu           sync.Mutex
	consolidated []ConsolidatedNote
	processed    map[string]ProcessedNote
	reported     map[NoteKey]ReportRef
	divergences  map[string]DivergenceRecord
	reports      []Report
	taken        map[NoteKey]string

	processedErr    error
	reportedErr     error
	divergenceErr   error
	consolidatedErr error
	procKeysErr     error
	upsertErr       error
	saveErr         error
	processedDelay  time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		processed:   make(map[string]ProcessedNote),
		reported:    make(map[NoteKey]ReportRef),
		divergences: make(map[string]DivergenceRecord),
		taken:       make(map[NoteKey]string),
	}
}

func processedKey(key NoteKey, area string) string {
	return key.String() + "@" + area
}

func (m *memStore) FindProcessed(ctx context.Context, key NoteKey, area string) (*ProcessedNote, error) {
	if m.processedDelay > 0 {
		select {
		case <-time.After(m.processedDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processedErr != nil {
		return nil, m.processedErr
	}
	if rec, ok := m.processed[processedKey(key, area)]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *memStore) FindReported(ctx context.Context, key NoteKey) (*ReportRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reportedErr != nil {
		return nil, m.reportedErr
	}
	if ref, ok := m.reported[key]; ok {
		return &ref, nil
	}
	return nil, nil
}

func (m *memStore) FindDivergence(ctx context.Context, numeroNF string) (*DivergenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.divergenceErr != nil {
		return nil, m.divergenceErr
	}
	if rec, ok := m.divergences[numeroNF]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *memStore) ConsolidatedOwner(ctx context.Context, key NoteKey) (*CarrierKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.consolidated {
		if n.Key() == key {
			carrier := n.Carrier
			return &carrier, nil
		}
	}
	return nil, nil
}

func (m *memStore) ConsolidatedByCarrier(ctx context.Context, carrier CarrierKey) ([]ConsolidatedNote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consolidatedErr != nil {
		return nil, m.consolidatedErr
	}
	var out []ConsolidatedNote
	for _, n := range m.consolidated {
		if n.Carrier == carrier {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memStore) ProcessedKeys(ctx context.Context, area string) ([]NoteKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.procKeysErr != nil {
		return nil, m.procKeysErr
	}
	var out []NoteKey
	for _, rec := range m.processed {
		if rec.Area == area {
			out = append(out, rec.Key())
		}
	}
	return out, nil
}

func (m *memStore) UpsertProcessed(ctx context.Context, rec ProcessedNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	if owner, ok := m.taken[rec.Key()]; ok && owner != rec.SessionID {
		return ErrNoteTaken
	}
	m.processed[processedKey(rec.Key(), rec.Area)] = rec
	return nil
}

func (m *memStore) DeleteProcessed(ctx context.Context, key NoteKey, area, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := processedKey(key, area)
	if rec, ok := m.processed[k]; ok && rec.SessionID == sessionID {
		delete(m.processed, k)
	}
	return nil
}

func (m *memStore) MarkConsolidatedReceived(ctx context.Context, key NoteKey, carrier CarrierKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.consolidated {
		if n.Key() == key && n.Carrier == carrier {
			m.consolidated[i].Status = ConsolidatedReceived
		}
	}
	return nil
}

func (m *memStore) UpsertDivergence(ctx context.Context, rec DivergenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.divergences[rec.NoteKey.NumeroNF] = rec
	return nil
}

func (m *memStore) DeleteDivergence(ctx context.Context, key NoteKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.divergences, key.NumeroNF)
	return nil
}

func (m *memStore) SaveReport(ctx context.Context, report Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.reports = append(m.reports, report)
	for _, n := range report.Notas {
		m.reported[n.Key()] = ReportRef{ID: report.ID, CarrierName: report.CarrierName, DataFinalizacao: report.DataFinalizacao}
	}
	return nil
}

func (m *memStore) savedReports() []Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Report, len(m.reports))
	copy(out, m.reports)
	return out
}

func (m *memStore) processedRecord(key NoteKey, area string) (ProcessedNote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.processed[processedKey(key, area)]
	return rec, ok
}

func (m *memStore) divergenceRecord(numeroNF string) (DivergenceRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.divergences[numeroNF]
	return rec, ok
}

// memCache is an in-memory SessionCache for engine tests.
type memCache struct {
	mu      sync.Mutex
	ledgers map[string][]Note
	active  map[string]ActiveSession
}

func newMemCache() *memCache {
	return &memCache{ledgers: make(map[string][]Note), active: make(map[string]ActiveSession)}
}

func (c *memCache) ActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ActiveSession
	for _, s := range c.active {
		out = append(out, s)
	}
	return out, nil
}

func (c *memCache) Register(ctx context.Context, sess ActiveSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[sess.SessionID] = sess
	return nil
}

func (c *memCache) Unregister(ctx context.Context, area, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, sessionID)
	return nil
}

func (c *memCache) AddNoteNumber(ctx context.Context, area, sessionID, numeroNF string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.active[sessionID]
	if !ok {
		return nil
	}
	sess.NumerosNF = append(sess.NumerosNF, numeroNF)
	c.active[sessionID] = sess
	return nil
}

func (c *memCache) SaveLedger(ctx context.Context, sessionID string, notes []Note) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledgers[sessionID] = append([]Note(nil), notes...)
	return nil
}

func (c *memCache) LoadLedger(ctx context.Context, sessionID string) ([]Note, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledgers[sessionID], nil
}

func (c *memCache) DropLedger(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ledgers, sessionID)
	return nil
}

// memObserver counts observability events.
type memObserver struct {
	mu           sync.Mutex
	accepted     int
	rejected     map[string]int
	inconclusive map[string]int
	mirrorFailed map[string]int
	recovered    map[string]int
}

func newMemObserver() *memObserver {
	return &memObserver{
		rejected:     make(map[string]int),
		inconclusive: make(map[string]int),
		mirrorFailed: make(map[string]int),
		recovered:    make(map[string]int),
	}
}

func (o *memObserver) ScanAccepted(area string) {
	o.mu.Lock()
	o.accepted++
	o.mu.Unlock()
}

func (o *memObserver) ScanRejected(area, rule string) {
	o.mu.Lock()
	o.rejected[rule]++
	o.mu.Unlock()
}

func (o *memObserver) CheckInconclusive(check string, timedOut bool) {
	o.mu.Lock()
	o.inconclusive[check]++
	o.mu.Unlock()
}

func (o *memObserver) MirrorFailed(op string) {
	o.mu.Lock()
	o.mirrorFailed[op]++
	o.mu.Unlock()
}

func (o *memObserver) MirrorRecovered(op string) {
	o.mu.Lock()
	o.recovered[op]++
	o.mu.Unlock()
}

// memFinalizeGuard mimics the idempotency store on a map.
type memFinalizeGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemFinalizeGuard() *memFinalizeGuard {
	return &memFinalizeGuard{keys: make(map[string]bool)}
}

func (g *memFinalizeGuard) CheckAndInsert(ctx context.Context, key, module string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	g.keys[key] = true
	return nil
}

func (g *memFinalizeGuard) Delete(ctx context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

// memEnqueuer captures background retry submissions.
type memEnqueuer struct {
	mu    sync.Mutex
	tasks []PendingMirror
}

func (q *memEnqueuer) EnqueueMirrorRetry(ctx context.Context, p PendingMirror) error {
	q.mu.Lock()
	q.tasks = append(q.tasks, p)
	q.mu.Unlock()
	return nil
}

func (q *memEnqueuer) enqueued() []PendingMirror {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingMirror, len(q.tasks))
	copy(out, q.tasks)
	return out
}
