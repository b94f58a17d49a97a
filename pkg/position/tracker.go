// Package position tracks which source commits have been durably applied and
// persists the confirmed position together with the table descriptors.
package position

import (
	"slices"
	"sync"

	"github.com/edgeflare/pgmirror/pkg/cdc"
)

type commit struct {
	lsn       cdc.LSN
	remaining int
}

type hold struct {
	min, max cdc.LSN
}

// Tracker computes the confirmed position: the greatest commit LSN such that it and
// every earlier registered commit has been applied, kept below the first commit any
// table is holding back. The confirmed position never decreases.
type Tracker struct {
	mu        sync.Mutex
	confirmed cdc.LSN
	pending   []*commit
	holds     map[cdc.TableID]hold
}

// NewTracker starts tracking from a previously confirmed position.
func NewTracker(confirmed cdc.LSN) *Tracker {
	return &Tracker{
		confirmed: confirmed,
		holds:     make(map[cdc.TableID]hold),
	}
}

// Register records a commit with the number of per-table batches that must be
// applied before it is durable. Registering a known commit adds to its parts.
func (t *Tracker) Register(lsn cdc.LSN, parts int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if lsn <= t.confirmed {
		return
	}
	i, found := slices.BinarySearchFunc(t.pending, lsn, func(c *commit, l cdc.LSN) int {
		return cmpLSN(c.lsn, l)
	})
	if found {
		t.pending[i].remaining += parts
	} else {
		t.pending = slices.Insert(t.pending, i, &commit{lsn: lsn, remaining: parts})
	}
	t.advance()
}

// Done marks one part of the commit at lsn applied.
func (t *Tracker) Done(lsn cdc.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, found := slices.BinarySearchFunc(t.pending, lsn, func(c *commit, l cdc.LSN) int {
		return cmpLSN(c.lsn, l)
	})
	if !found {
		return
	}
	if t.pending[i].remaining > 0 {
		t.pending[i].remaining--
	}
	t.advance()
}

// Hold keeps the confirmed position below lsn until Release is called for table.
// Repeated holds widen the held range.
func (t *Tracker) Hold(table cdc.TableID, lsn cdc.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.holds[table]
	if !ok {
		h = hold{min: lsn, max: lsn}
	}
	h.min = min(h.min, lsn)
	h.max = max(h.max, lsn)
	t.holds[table] = h
}

// Held returns the range of commits held back for table.
func (t *Tracker) Held(table cdc.TableID) (first, last cdc.LSN, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.holds[table]
	return h.min, h.max, ok
}

// Release drops the hold of table.
func (t *Tracker) Release(table cdc.TableID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.holds, table)
	t.advance()
}

// Observe advances the confirmed position to a server WAL position when no commit
// is in flight and nothing is held. Callers must only observe positions reached
// after every earlier commit was registered.
func (t *Tracker) Observe(lsn cdc.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 && len(t.holds) == 0 && lsn > t.confirmed {
		t.confirmed = lsn
	}
}

// Confirmed returns the confirmed position.
func (t *Tracker) Confirmed() cdc.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confirmed
}

// Pending returns the number of commits not yet confirmed.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) advance() {
	limit := cdc.LSN(0)
	for _, h := range t.holds {
		if limit == 0 || h.min < limit {
			limit = h.min
		}
	}

	n := 0
	for _, c := range t.pending {
		if c.remaining > 0 || (limit != 0 && c.lsn >= limit) {
			break
		}
		t.confirmed = max(t.confirmed, c.lsn)
		n++
	}
	t.pending = t.pending[n:]
}

func cmpLSN(a, b cdc.LSN) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
