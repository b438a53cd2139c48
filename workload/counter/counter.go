// Package counter implements the grow-only counter workload front-end
// (section 4.4): every node accepts local add deltas immediately, folds
// them into the seq-kv-backed global total through a non-blocking CAS
// loop driven from Tick, and opportunistically gossips its best-known
// value with peers between CAS rounds so reads converge faster than the
// CAS cadence alone would allow.
package counter

import (
	"context"
	"sync"
	"time"

	"github.com/gomaelstrom/node/pkg/maelstrom/core"
	"github.com/gomaelstrom/node/pkg/maelstrom/definition"
	"github.com/gomaelstrom/node/pkg/maelstrom/kv"
	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

const totalKey = "total"

type casOutcome struct {
	amount   uint64
	newValue int64
	err      error
}

// Workload is the counter front-end.
type Workload struct {
	client *kv.Client
	log    definition.Logger

	mu         sync.Mutex
	value      int64
	toAdd      uint64
	casPending bool
	lastGossip time.Time

	result chan casOutcome
}

// New builds an empty counter workload.
func New() *Workload {
	return &Workload{result: make(chan casOutcome, 1)}
}

func (w *Workload) Init(n *core.Node) error {
	w.client = kv.NewClient(n)
	w.log = n.Log
	n.Invoker.Spawn(func() { w.bootstrap() })
	return nil
}

func (w *Workload) bootstrap() {
	err := w.client.Cas(context.Background(), totalKey, 0, 0, true)
	if err == nil {
		return
	}
	if rerr, ok := err.(*types.RPCError); ok && rerr.Code == types.ErrPreconditionFailed {
		return
	}
	w.log.Errorf("counter: bootstrap cas failed: %v", err)
}

func (w *Workload) Handle(n *core.Node, env types.Envelope, header types.MessageHeader) error {
	switch header.Type {
	case "add":
		return w.handleAdd(n, env)
	case "read":
		return w.handleRead(n, env)
	case "read_ok":
		return w.handleReadOk(env)
	case "add_ok":
		return nil
	default:
		return types.NewRPCError(types.ErrNotSupported, "counter: unknown type "+header.Type)
	}
}

func (w *Workload) handleAdd(n *core.Node, env types.Envelope) error {
	var body types.AddBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	w.mu.Lock()
	w.toAdd += body.Delta
	w.mu.Unlock()
	n.Reply(env, &types.AddOkBody{MessageHeader: types.MessageHeader{Type: "add_ok"}})
	return nil
}

func (w *Workload) handleRead(n *core.Node, env types.Envelope) error {
	w.mu.Lock()
	v := w.value
	w.mu.Unlock()
	n.Reply(env, &types.CounterReadOkBody{
		MessageHeader: types.MessageHeader{Type: "read_ok"},
		Value:         uint64(v),
	})
	return nil
}

// handleReadOk only ever arrives as a peer's answer to our own gossip
// read (client reads never echo back to us) -- fold its value in as a
// lower bound on the true total.
func (w *Workload) handleReadOk(env types.Envelope) error {
	var body types.CounterReadOkBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	w.mu.Lock()
	if int64(body.Value) > w.value {
		w.value = int64(body.Value)
	}
	w.mu.Unlock()
	return nil
}

func (w *Workload) Tick(n *core.Node) {
	w.drainResult()
	w.maybeStartCas(n)
	w.maybeGossip(n)
}

func (w *Workload) drainResult() {
	select {
	case out := <-w.result:
		w.mu.Lock()
		w.casPending = false
		if out.err == nil {
			if out.newValue > w.value {
				w.value = out.newValue
			}
			w.toAdd -= out.amount
		} else {
			w.log.Errorf("counter: cas round failed: %v", out.err)
		}
		w.mu.Unlock()
	default:
	}
}

func (w *Workload) maybeStartCas(n *core.Node) {
	w.mu.Lock()
	if w.casPending || w.toAdd == 0 {
		w.mu.Unlock()
		return
	}
	amount := w.toAdd
	w.casPending = true
	w.mu.Unlock()

	n.Invoker.Spawn(func() { w.runCas(amount) })
}

func (w *Workload) runCas(amount uint64) {
	ctx := context.Background()
	cur, err := w.client.Read(ctx, totalKey)
	if err != nil {
		w.result <- casOutcome{err: err}
		return
	}
	for {
		target := cur + int64(amount)
		err := w.client.Cas(ctx, totalKey, cur, target, true)
		if err == nil {
			w.result <- casOutcome{amount: amount, newValue: target}
			return
		}
		rerr, ok := err.(*types.RPCError)
		if !ok || (rerr.Code != types.ErrPreconditionFailed && rerr.Code != types.ErrKeyDoesNotExist) {
			w.result <- casOutcome{err: err}
			return
		}
		cur, err = w.client.Read(ctx, totalKey)
		if err != nil {
			w.result <- casOutcome{err: err}
			return
		}
	}
}

func (w *Workload) maybeGossip(n *core.Node) {
	w.mu.Lock()
	due := time.Since(w.lastGossip) >= n.Config.GossipInterval
	if due {
		w.lastGossip = time.Now()
	}
	w.mu.Unlock()
	if !due {
		return
	}
	for _, peer := range n.Peers() {
		n.SendRaw(peer, &types.ReadBody{MessageHeader: types.MessageHeader{Type: "read"}})
	}
}
