// Package broadcast implements the broadcast workload front-end (section
// 4.6): store each newly seen message, forward it once to every neighbor
// through the per-peer delivery handler, and answer read with the full
// set. A periodic sync exchange batches the full set to each neighbor as
// anti-entropy, repairing anything a forward missed. All per-message
// reliability (resend, at-least-once delivery) comes from the shared core
// engine -- this package only decides what to store and who to tell.
package broadcast

import (
	"sync"
	"time"

	"github.com/gomaelstrom/node/pkg/maelstrom/core"
	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

// Workload is the broadcast front-end.
type Workload struct {
	mu       sync.Mutex
	messages map[uint64]bool
	lastSync time.Time
}

// New builds an empty broadcast workload.
func New() *Workload {
	return &Workload{messages: make(map[uint64]bool)}
}

func (w *Workload) Init(n *core.Node) error { return nil }

func (w *Workload) Handle(n *core.Node, env types.Envelope, header types.MessageHeader) error {
	switch header.Type {
	case "broadcast":
		return w.handleBroadcast(n, env)
	case "read":
		return w.handleRead(n, env)
	case "sync":
		return w.handleSync(n, env)
	case "broadcast_ok", "sync_ok":
		// A broadcast_ok already retired its in-flight record in
		// Node.dispatch before reaching here; sync batches are untracked,
		// so a sync_ok has nothing to retire. Nothing left to do.
		return nil
	default:
		return types.NewRPCError(types.ErrNotSupported, "broadcast: unknown type "+header.Type)
	}
}

// accept stores message and, if it was not already known, forwards it to
// every neighbor through the tracked per-peer delivery path. Returns
// whether the message was new.
func (w *Workload) accept(n *core.Node, message uint64) bool {
	w.mu.Lock()
	isNew := !w.messages[message]
	if isNew {
		w.messages[message] = true
	}
	w.mu.Unlock()

	if isNew {
		for _, peer := range n.Neighbors() {
			n.SendTracked(peer, &types.BroadcastBody{
				MessageHeader: types.MessageHeader{Type: "broadcast"},
				Message:       message,
			})
		}
	}
	return isNew
}

func (w *Workload) handleBroadcast(n *core.Node, env types.Envelope) error {
	var body types.BroadcastBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	w.accept(n, body.Message)
	n.Reply(env, &types.BroadcastOkBody{MessageHeader: types.MessageHeader{Type: "broadcast_ok"}})
	return nil
}

// handleSync merges a peer's anti-entropy batch and acknowledges it by
// echoing the values received, matching the sync/sync_ok exchange in
// section 6's node-to-node message surface. Values already known are
// silently skipped, so a duplicated sync is harmless.
func (w *Workload) handleSync(n *core.Node, env types.Envelope) error {
	var body types.SyncBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	for _, m := range body.Messages {
		w.accept(n, m)
	}
	n.Reply(env, &types.SyncOkBody{
		MessageHeader: types.MessageHeader{Type: "sync_ok"},
		Messages:      body.Messages,
	})
	return nil
}

func (w *Workload) handleRead(n *core.Node, env types.Envelope) error {
	w.mu.Lock()
	out := make([]uint64, 0, len(w.messages))
	for m := range w.messages {
		out = append(out, m)
	}
	w.mu.Unlock()
	n.Reply(env, &types.BroadcastReadOkBody{
		MessageHeader: types.MessageHeader{Type: "read_ok"},
		Messages:      out,
	})
	return nil
}

// Tick sends the periodic sync batch: the full known set to every
// neighbor, untracked -- the sync_ok echo is the acknowledgment, and a
// lost batch is simply covered by the next round.
func (w *Workload) Tick(n *core.Node) {
	w.mu.Lock()
	due := len(w.messages) > 0 && time.Since(w.lastSync) >= n.Config.GossipInterval
	var all []uint64
	if due {
		w.lastSync = time.Now()
		all = make([]uint64, 0, len(w.messages))
		for m := range w.messages {
			all = append(all, m)
		}
	}
	w.mu.Unlock()
	if !due {
		return
	}
	for _, peer := range n.Neighbors() {
		n.SendRaw(peer, &types.SyncBody{
			MessageHeader: types.MessageHeader{Type: "sync"},
			Messages:      all,
		})
	}
}
