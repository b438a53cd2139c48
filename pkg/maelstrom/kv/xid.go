package kv

import (
	"context"
	"sync"

	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

// XidAssigner realizes the two policies of section 4.4 for a single key:
// CAS-initialize-or-observe at bootstrap, then monotonic CAS increment on
// every subsequent call. Section 9's design note models this as "a tiny
// state machine with one outstanding request, a FIFO of waiters" -- here
// a mutex plays that role: Next serializes itself, so concurrent callers
// queue on the lock rather than racing CAS attempts against each other.
type XidAssigner struct {
	client *Client
	key    string

	mu    sync.Mutex
	known int64
}

// NewXidAssigner builds an assigner for key. Bootstrap must be called
// once before the first Next.
func NewXidAssigner(client *Client, key string) *XidAssigner {
	return &XidAssigner{client: client, key: key}
}

// Bootstrap performs the CAS-initialize-or-observe dance: attempt to
// create the key at 0; if it already exists, read its current value.
func (x *XidAssigner) Bootstrap(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	err := x.client.Cas(ctx, x.key, 0, 0, true)
	if err == nil {
		x.known = 0
		return nil
	}
	rerr, ok := err.(*types.RPCError)
	if !ok || rerr.Code != types.ErrPreconditionFailed {
		return err
	}
	v, err := x.client.Read(ctx, x.key)
	if err != nil {
		return err
	}
	x.known = v
	return nil
}

// Next returns the next globally unique, strictly increasing xid for this
// key. Linearizability of seq-kv guarantees the value is unique across
// every node racing the same key.
func (x *XidAssigner) Next(ctx context.Context) (uint64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for {
		cur := x.known
		err := x.client.Cas(ctx, x.key, cur, cur+1, false)
		if err == nil {
			x.known = cur + 1
			return uint64(cur + 1), nil
		}
		rerr, ok := err.(*types.RPCError)
		if !ok || rerr.Code != types.ErrPreconditionFailed {
			return 0, err
		}
		v, rerr2 := x.client.Read(ctx, x.key)
		if rerr2 != nil {
			return 0, rerr2
		}
		x.known = v
	}
}
