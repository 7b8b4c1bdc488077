package intake

import (
	"sync"
)

// SessionLedger is the locally-owned, ordered list of notes accepted by one
// session. It is the source of truth while the session runs; the shared
// store only mirrors it. Writes come from a single session but reads may
// arrive from any request, hence the lock.
type SessionLedger struct {
	mu    sync.RWMutex
	notes []Note
	index map[NoteKey]int
}

// NewSessionLedger builds an empty ledger.
func NewSessionLedger() *SessionLedger {
	return &SessionLedger{index: make(map[NoteKey]int)}
}

// Restore rebuilds the ledger from a recovered snapshot, preserving order.
func (l *SessionLedger) Restore(notes []Note) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notes = make([]Note, 0, len(notes))
	l.index = make(map[NoteKey]int, len(notes))
	for _, n := range notes {
		if _, ok := l.index[n.Key()]; ok {
			continue
		}
		l.index[n.Key()] = len(l.notes)
		l.notes = append(l.notes, n)
	}
}

// Append adds a note in scan order. A duplicate natural key is refused even
// here so the ledger stays consistent if a caller skips the guard.
func (l *SessionLedger) Append(n Note) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[n.Key()]; ok {
		return &SessionDuplicateError{Key: n.Key(), PriorTimestamp: l.notes[i].Timestamp}
	}
	l.index[n.Key()] = len(l.notes)
	l.notes = append(l.notes, n)
	return nil
}

// Find returns the ledger copy of the note.
func (l *SessionLedger) Find(key NoteKey) (Note, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[key]
	if !ok {
		return Note{}, false
	}
	return l.notes[i], true
}

// SetStatus mutates the ledger copy of a note. The caller is responsible
// for transition legality; the ledger only applies the change.
func (l *SessionLedger) SetStatus(key NoteKey, status NoteStatus, div *Divergence) (Note, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[key]
	if !ok {
		return Note{}, ErrNoteNotFound
	}
	l.notes[i].Status = status
	l.notes[i].Divergencia = div
	return l.notes[i], nil
}

// Remove drops a note from the ledger (operator-initiated correction).
func (l *SessionLedger) Remove(key NoteKey) (Note, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[key]
	if !ok {
		return Note{}, ErrNoteNotFound
	}
	removed := l.notes[i]
	l.notes = append(l.notes[:i], l.notes[i+1:]...)
	delete(l.index, key)
	for j := i; j < len(l.notes); j++ {
		l.index[l.notes[j].Key()] = j
	}
	return removed, nil
}

// Notes returns a copy of the ledger in scan order.
func (l *SessionLedger) Notes() []Note {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Note, len(l.notes))
	copy(out, l.notes)
	return out
}

// Len is the number of notes in the ledger.
func (l *SessionLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.notes)
}

// AcceptedCount counts notes that remain in the accepted set. A returned
// note stays in the ledger for the report but no longer counts as received.
func (l *SessionLedger) AcceptedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	count := 0
	for _, n := range l.notes {
		if n.Status != StatusDevolvida {
			count++
		}
	}
	return count
}

// Clear empties the ledger after finalization or reset.
func (l *SessionLedger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notes = nil
	l.index = make(map[NoteKey]int)
}
