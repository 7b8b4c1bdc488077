package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CatalogStore is the slice of the note store the catalog needs.
type CatalogStore interface {
	ConsolidatedByCarrier(ctx context.Context, carrier CarrierKey) ([]ConsolidatedNote, error)
	ProcessedKeys(ctx context.Context, area string) ([]NoteKey, error)
}

// CarrierCatalog caches the outstanding-note set of one carrier for the
// duration of a session. Total is frozen at load time; outstanding shrinks
// as the owning session accepts notes.
type CarrierCatalog struct {
	store   CatalogStore
	carrier CarrierKey
	area    string

	mu          sync.RWMutex
	outstanding map[NoteKey]ConsolidatedNote
	total       int
	loadedAt    time.Time
	partial     bool
}

// NewCarrierCatalog builds an unloaded catalog for the carrier.
func NewCarrierCatalog(store CatalogStore, carrier CarrierKey, area string) *CarrierCatalog {
	return &CarrierCatalog{store: store, carrier: carrier, outstanding: make(map[NoteKey]ConsolidatedNote), area: area}
}

// Load fetches the entered notes of the carrier and subtracts the ones the
// shared processed relation already holds, cross-referencing the full
// natural key so a same-numbered note from another supplier is not falsely
// excluded. The two queries run concurrently; a failed constituent query
// degrades the result instead of failing the load.
func (c *CarrierCatalog) Load(ctx context.Context) error {
	var (
		entered   []ConsolidatedNote
		processed []NoteKey
		entErr    error
		procErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entered, entErr = c.store.ConsolidatedByCarrier(gctx, c.carrier)
		return nil
	})
	g.Go(func() error {
		processed, procErr = c.store.ProcessedKeys(gctx, c.area)
		return nil
	})
	_ = g.Wait()

	if entErr != nil && procErr != nil {
		return errors.Join(entErr, procErr)
	}

	taken := make(map[NoteKey]struct{}, len(processed))
	for _, k := range processed {
		taken[k] = struct{}{}
	}

	outstanding := make(map[NoteKey]ConsolidatedNote, len(entered))
	total := 0
	for _, n := range entered {
		if n.Status == ConsolidatedReceived {
			continue
		}
		if _, ok := taken[n.Key()]; ok {
			continue
		}
		outstanding[n.Key()] = n
		total++
	}

	c.mu.Lock()
	c.outstanding = outstanding
	c.total = total
	c.loadedAt = time.Now().UTC()
	c.partial = entErr != nil || procErr != nil
	c.mu.Unlock()
	return nil
}

// Reload re-runs the load query, refreshing both the outstanding set and
// the frozen total. Used when the operator explicitly refreshes.
func (c *CarrierCatalog) Reload(ctx context.Context) error {
	return c.Load(ctx)
}

// Carrier returns the catalog's carrier key.
func (c *CarrierCatalog) Carrier() CarrierKey {
	return c.carrier
}

// Contains reports whether the natural key is still outstanding.
func (c *CarrierCatalog) Contains(key NoteKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.outstanding[key]
	return ok
}

// MarkAccepted prunes an accepted note from the outstanding set. Only the
// owning session calls this; total stays frozen.
func (c *CarrierCatalog) MarkAccepted(key NoteKey) {
	c.mu.Lock()
	delete(c.outstanding, key)
	c.mu.Unlock()
}

// AbsorbRecovered folds a recovered ledger back into the catalog. A note the
// load already excluded (its acceptance was mirrored before the restart)
// rejoins the frozen total; a note still listed is pruned as accepted. Without
// this a recovered session would report completion against a shrunken total.
func (c *CarrierCatalog) AbsorbRecovered(notes []Note) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range notes {
		if _, ok := c.outstanding[n.Key()]; ok {
			delete(c.outstanding, n.Key())
		} else {
			c.total++
		}
	}
}

// Restore puts a note back in the outstanding set after a removal.
func (c *CarrierCatalog) Restore(n ConsolidatedNote) {
	c.mu.Lock()
	c.outstanding[n.Key()] = n
	c.mu.Unlock()
}

// Total is the outstanding count frozen at load time.
func (c *CarrierCatalog) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.total
}

// Partial reports whether the last load degraded because a constituent
// query failed. The guard's name heuristic covers the gap.
func (c *CarrierCatalog) Partial() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.partial
}

// MatchesCarrierName applies the fallback ownership heuristic: the note's
// supplier or destination client equals the carrier's declared name.
func (c *CarrierCatalog) MatchesCarrierName(n Note) bool {
	return namesMatch(n.Fornecedor, c.carrier.Name) || namesMatch(n.ClienteDestino, c.carrier.Name)
}
