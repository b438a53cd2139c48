package replog

import (
	"time"

	"github.com/gomaelstrom/node/pkg/maelstrom/core"
	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

// Gossip drives propagation and anti-entropy pull for a replicated Log
// (section 4.5): push newly accepted local transactions to every peer,
// and periodically pull whatever a peer might have that we're missing.
type Gossip struct {
	log     *Log
	node    *core.Node
	onApply func([]Transaction)

	interval time.Duration
	lastPoll time.Time
}

// NewGossip builds a Gossip driver over log, using node for peer
// addressing and message delivery. onApply, if non-nil, is invoked with
// every batch of transactions newly learned about (push or pull), so a
// workload can fold them into a materialized view incrementally instead
// of rebuilding it from scratch.
func NewGossip(log *Log, node *core.Node, onApply func([]Transaction)) *Gossip {
	return &Gossip{
		log:      log,
		node:     node,
		onApply:  onApply,
		interval: node.Config.GossipInterval,
	}
}

// Propagate broadcasts newly accepted local transactions to every peer
// through that peer's delivery handler, so the push is retransmitted until
// the peer acknowledges it (section 4.5 via section 4.3). The ack is the
// receiver's empty `transactions` reply in HandleTransactions; anti-entropy
// pull remains the backstop for a peer that was unreachable the whole time.
func (g *Gossip) Propagate(txns []Transaction) {
	if len(txns) == 0 {
		return
	}
	for _, peer := range g.node.Peers() {
		g.node.SendTracked(peer, &types.TransactionsBody{
			MessageHeader: types.MessageHeader{Type: "transactions"},
			Transactions:  ToWire(txns),
		})
	}
}

// HandleTransactions processes an inbound `transactions` push or
// poll_transactions reply: unknown transactions are inserted and, if set,
// onApply is invoked with just the newly inserted ones. A push (a
// `transactions` body that is not itself a reply) is acknowledged with an
// empty `transactions` reply, which retires the sender's in-flight record;
// a duplicate push from a resend inserts nothing but is acknowledged again.
func (g *Gossip) HandleTransactions(env types.Envelope) error {
	var body types.TransactionsBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	added := g.log.InsertMany(FromWire(body.Transactions))
	if g.onApply != nil && len(added) > 0 {
		g.onApply(added)
	}
	if body.MsgID != nil && body.InReplyTo == nil {
		g.node.Reply(env, &types.TransactionsBody{
			MessageHeader: types.MessageHeader{Type: "transactions"},
			Transactions:  []types.TransactionWire{},
		})
	}
	return nil
}

// HandlePollTransactions answers a peer's anti-entropy pull with every
// transaction this node originated at or after first_xid.
func (g *Gossip) HandlePollTransactions(env types.Envelope) error {
	var body types.PollTransactionsBody
	if err := env.Decode(&body); err != nil {
		return err
	}
	txns := g.log.FromOriginSince(g.node.ID(), body.FirstXid)
	reply := &types.TransactionsBody{
		MessageHeader: types.MessageHeader{Type: "transactions"},
		Transactions:  ToWire(txns),
	}
	g.node.Reply(env, reply)
	return nil
}

// Tick runs the periodic anti-entropy pull (roughly every
// Config.GossipInterval, section 4.5): poll every peer for transactions
// it originated beyond what we already know it has.
func (g *Gossip) Tick() {
	if time.Since(g.lastPoll) < g.interval {
		return
	}
	g.lastPoll = time.Now()
	for _, peer := range g.node.Peers() {
		first := g.log.HighestFrom(peer) + 1
		g.node.SendRaw(peer, &types.PollTransactionsBody{
			MessageHeader: types.MessageHeader{Type: "poll_transactions"},
			FirstXid:      first,
		})
	}
}
