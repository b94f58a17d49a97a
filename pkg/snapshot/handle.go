package snapshot

import (
	"context"
	"sync"

	"github.com/edgeflare/pgmirror/pkg/cdc"
)

// Handle is an exported source snapshot together with the WAL position it is
// consistent with. The snapshot stays importable until Release.
type Handle struct {
	// Name is the exported snapshot identifier for SET TRANSACTION SNAPSHOT.
	Name string
	// LSN is the slot's consistent point: every commit at or below it is visible in
	// the snapshot, every later commit is streamed.
	LSN cdc.LSN

	once    sync.Once
	release func(context.Context) error
	err     error
}

// NewHandle returns a handle whose Release calls release once.
func NewHandle(name string, lsn cdc.LSN, release func(context.Context) error) *Handle {
	return &Handle{Name: name, LSN: lsn, release: release}
}

// Release ends the snapshot. It is safe to call more than once.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		if h.release != nil {
			h.err = h.release(ctx)
		}
	})
	return h.err
}
