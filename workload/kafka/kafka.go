// Package kafka implements the kafka-log workload front-end (section 4.5):
// sends are assigned a globally unique offset through the seq-kv xid
// assigner and recorded in the replicated log; polls are answered from the
// contiguity-gated view so a client never sees a gap ahead of entries it
// hasn't received yet; commits and their listing are themselves tiny
// transactions appended to the same log.
package kafka

import (
	"context"
	"sync"

	"github.com/gomaelstrom/node/pkg/maelstrom/core"
	"github.com/gomaelstrom/node/pkg/maelstrom/kv"
	"github.com/gomaelstrom/node/pkg/maelstrom/replog"
	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

// offsetKeyPrefix namespaces committed-offset transactions inside the same
// replicated log used for sent messages, so no second log is needed.
const offsetKeyPrefix = "offsets:"

type pendingPoll struct {
	env     types.Envelope
	offsets map[string]uint64
	// latest is the highest xid present in the log when the poll arrived.
	// The poll is held until the contiguous high-water mark reaches it, so
	// the reply can never expose an offset ahead of an unfilled gap.
	latest uint64
}

// Workload is the kafka-log front-end.
type Workload struct {
	client *kv.Client
	assign *kv.XidAssigner
	log    *replog.Log
	gossip *replog.Gossip

	mu      sync.Mutex
	pending []pendingPoll
}

// New builds an empty kafka-log workload.
func New() *Workload {
	return &Workload{log: replog.NewLog()}
}

func (w *Workload) Init(n *core.Node) error {
	w.client = kv.NewClient(n)
	w.assign = kv.NewXidAssigner(w.client, "kafka-xid")
	w.gossip = replog.NewGossip(w.log, n, func([]replog.Transaction) { w.releasePending(n) })
	n.Invoker.Spawn(func() {
		if err := w.assign.Bootstrap(context.Background()); err != nil {
			n.Log.Errorf("kafka: xid bootstrap failed: %v", err)
		}
	})
	return nil
}

func (w *Workload) Handle(n *core.Node, env types.Envelope, header types.MessageHeader) error {
	switch header.Type {
	case "send":
		return w.handleSend(n, env)
	case "poll":
		return w.handlePoll(n, env)
	case "commit_offsets":
		return w.handleCommitOffsets(n, env)
	case "list_committed_offsets":
		return w.handleListCommittedOffsets(n, env)
	case "transactions":
		return w.gossip.HandleTransactions(env)
	case "poll_transactions":
		return w.gossip.HandlePollTransactions(env)
	default:
		return types.NewRPCError(types.ErrNotSupported, "kafka: unknown type "+header.Type)
	}
}

// handleSend assigns an xid and replies asynchronously: xid assignment is a
// seq-kv round trip, and section 5 forbids a KV-coordinator request from
// blocking the main event loop -- only the goroutine awaiting it blocks,
// the same way counter.Workload.runCas keeps its own CAS loop off the main
// loop goroutine.
func (w *Workload) handleSend(n *core.Node, env types.Envelope) error {
	var body types.SendBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	n.Invoker.Spawn(func() {
		xid, err := w.assign.Next(context.Background())
		if err != nil {
			n.ReplyError(env, types.NewRPCError(types.ErrCrash, err.Error()))
			return
		}
		txn := replog.NewTransaction(n.ID(), xid, body.Key, body.Msg, nil)
		w.log.Insert(txn)
		w.gossip.Propagate([]replog.Transaction{txn})

		n.Reply(env, &types.SendOkBody{
			MessageHeader: types.MessageHeader{Type: "send_ok"},
			Offset:        xid,
		})
		w.releasePending(n)
	})
	return nil
}

func (w *Workload) handlePoll(n *core.Node, env types.Envelope) error {
	var body types.PollBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	w.mu.Lock()
	w.pending = append(w.pending, pendingPoll{env: env, offsets: body.Offsets, latest: w.log.HighestXid()})
	w.mu.Unlock()
	w.releasePending(n)
	return nil
}

// releasePending releases, in FIFO order, every held poll whose recorded
// latest xid has been reached by the log's contiguous high-water mark, so
// a client is never shown a message while a lower-offset gap in the same
// global sequence is still outstanding (section 4.5; the redesign in
// section 9 that tracks the gate incrementally rather than via a window
// scan over the whole log). Polls above the mark stay queued until gossip
// or anti-entropy fills the gap.
func (w *Workload) releasePending(n *core.Node) {
	high := w.log.ContiguousHigh()

	w.mu.Lock()
	var toAnswer, held []pendingPoll
	for _, p := range w.pending {
		if p.latest <= high {
			toAnswer = append(toAnswer, p)
		} else {
			held = append(held, p)
		}
	}
	w.pending = held
	w.mu.Unlock()

	if len(toAnswer) == 0 {
		return
	}
	view := replog.KafkaView(w.log.Dump())

	for _, p := range toAnswer {
		msgs := make(map[string][][2]uint64, len(p.offsets))
		for key, from := range p.offsets {
			msgs[key] = entriesBetween(view[key], from, high)
		}
		n.Reply(p.env, &types.PollOkBody{
			MessageHeader: types.MessageHeader{Type: "poll_ok"},
			Msgs:          msgs,
		})
	}
}

func entriesBetween(entries [][2]uint64, from, high uint64) [][2]uint64 {
	out := make([][2]uint64, 0, len(entries))
	for _, e := range entries {
		if e[0] >= from && e[0] <= high {
			out = append(out, e)
		}
	}
	return out
}

// handleCommitOffsets mirrors handleSend: every committed key needs its own
// xid from the same seq-kv-backed assigner, so the whole request is run off
// the main loop goroutine (section 5).
func (w *Workload) handleCommitOffsets(n *core.Node, env types.Envelope) error {
	var body types.CommitOffsetsBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	n.Invoker.Spawn(func() {
		for key, offset := range body.Offsets {
			xid, err := w.assign.Next(context.Background())
			if err != nil {
				n.ReplyError(env, types.NewRPCError(types.ErrCrash, err.Error()))
				return
			}
			txn := replog.NewTransaction(n.ID(), xid, offsetKeyPrefix+key, offset, nil)
			w.log.Insert(txn)
			w.gossip.Propagate([]replog.Transaction{txn})
		}
		n.Reply(env, &types.CommitOffsetsOkBody{MessageHeader: types.MessageHeader{Type: "commit_offsets_ok"}})
	})
	return nil
}

func (w *Workload) handleListCommittedOffsets(n *core.Node, env types.Envelope) error {
	var body types.ListCommittedOffsetsBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	latest := make(map[string]uint64)
	for _, t := range w.log.Dump() {
		if len(t.Key) > len(offsetKeyPrefix) && t.Key[:len(offsetKeyPrefix)] == offsetKeyPrefix {
			latest[t.Key[len(offsetKeyPrefix):]] = t.Message
		}
	}
	out := make(map[string]uint64)
	for _, key := range body.Keys {
		if v, ok := latest[key]; ok {
			out[key] = v
		}
	}
	n.Reply(env, &types.ListCommittedOffsetsOkBody{
		MessageHeader: types.MessageHeader{Type: "list_committed_offsets_ok"},
		Offsets:       out,
	})
	return nil
}

func (w *Workload) Tick(n *core.Node) {
	w.gossip.Tick()
	w.releasePending(n)
}
