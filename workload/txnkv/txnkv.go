// Package txnkv implements the txn-kv workload front-end (section 4.5):
// each txn request executes its read/write ops in order against the
// current view, assigns itself a locally-originated xid, and broadcasts
// the completed op list (including read echoes) as one transaction. The
// view is always recomputed from the log's deterministic xid-sorted fold
// (replog.TxnView) rather than cached incrementally, so a gossip push or
// pull arriving out of causal order can never leave a stale value behind.
package txnkv

import (
	"sync"

	"github.com/gomaelstrom/node/pkg/maelstrom/core"
	"github.com/gomaelstrom/node/pkg/maelstrom/replog"
	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

// Workload is the txn-kv front-end.
type Workload struct {
	log    *replog.Log
	gossip *replog.Gossip

	mu      sync.Mutex
	nextXid uint64
}

// New builds an empty txn-kv workload.
func New() *Workload {
	return &Workload{log: replog.NewLog()}
}

func (w *Workload) Init(n *core.Node) error {
	w.gossip = replog.NewGossip(w.log, n, nil)
	return nil
}

func (w *Workload) Handle(n *core.Node, env types.Envelope, header types.MessageHeader) error {
	switch header.Type {
	case "txn":
		return w.handleTxn(n, env)
	case "transactions":
		return w.gossip.HandleTransactions(env)
	case "poll_transactions":
		return w.gossip.HandlePollTransactions(env)
	default:
		return types.NewRPCError(types.ErrNotSupported, "txnkv: unknown type "+header.Type)
	}
}

func (w *Workload) handleTxn(n *core.Node, env types.Envelope) error {
	var body types.TxnBody
	if err := env.Decode(&body); err != nil {
		return err
	}

	w.mu.Lock()
	view := replog.TxnView(w.log.Dump())
	echoed := make([]types.TxnOp, len(body.Txn))
	for i, op := range body.Txn {
		switch op.Op {
		case "r":
			echoed[i] = types.TxnOp{Op: "r", Key: op.Key, Value: readValue(view, op.Key)}
		case "w":
			if op.Value == nil {
				w.mu.Unlock()
				return types.NewRPCError(types.ErrMalformedRequest, "txnkv: write without a value")
			}
			view[op.Key] = *op.Value
			echoed[i] = op
		default:
			w.mu.Unlock()
			return types.NewRPCError(types.ErrMalformedRequest, "txnkv: unknown op "+op.Op)
		}
	}
	w.nextXid++
	xid := w.nextXid
	w.mu.Unlock()

	txn := replog.NewTransaction(n.ID(), xid, "", 0, echoed)
	w.log.Insert(txn)
	w.gossip.Propagate([]replog.Transaction{txn})

	n.Reply(env, &types.TxnOkBody{
		MessageHeader: types.MessageHeader{Type: "txn_ok"},
		Txn:           echoed,
	})
	return nil
}

func readValue(view map[int]int, key int) *int {
	v, ok := view[key]
	if !ok {
		return nil
	}
	out := v
	return &out
}

func (w *Workload) Tick(n *core.Node) {
	w.gossip.Tick()
}
