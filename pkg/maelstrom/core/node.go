// Package core implements the shared engine every workload front-end sits
// on top of: the envelope I/O pumps (section 4.2), the per-peer delivery
// handler (section 4.3), and the main event loop that ties them together
// (section 5), with a small dispatch table any workload front-end can
// plug into.
package core

import (
	"bufio"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gomaelstrom/node/pkg/maelstrom/definition"
	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

// Workload is the policy layer a front-end (broadcast, unique-ids,
// counter, kafka-log, txn-kv) implements on top of the shared engine
// (section 4.6).
type Workload interface {
	// Init runs once, after the node has replied init_ok, before the main
	// loop starts processing further envelopes.
	Init(n *Node) error
	// Handle processes one envelope whose type the lifecycle layer (init,
	// topology) didn't already consume. Returning an *types.RPCError with
	// code ErrNotSupported tells the node the message type is unknown --
	// a fatal condition at runtime (section 7).
	Handle(n *Node, env types.Envelope, header types.MessageHeader) error
	// Tick runs on every main-loop wakeup, for periodic work such as
	// gossip anti-entropy or CAS retry.
	Tick(n *Node)
}

// Node owns all node state: identity, peer handlers, message-id
// allocation, and the I/O pumps. Section 9's design notes call for the
// main loop to own all handlers in a map keyed by peer id, with handlers
// never retaining references to each other -- Node is that owner.
type Node struct {
	Config  Config
	Log     definition.Logger
	Ids     *types.IDGenerator
	Invoker Invoker

	id      types.NodeID
	nodeIDs []types.NodeID

	mu       sync.Mutex
	peers    map[types.NodeID]*Handler
	topology map[types.NodeID][]types.NodeID

	input    *InputPump
	output   *OutputPump
	workload Workload
}

// NewNode builds an un-started node. Call Run to read the init envelope,
// bootstrap peer handlers, and enter the main loop.
func NewNode(workload Workload, config Config, log definition.Logger) *Node {
	return &Node{
		Config:   config,
		Log:      log,
		Ids:      &types.IDGenerator{},
		Invoker:  NewInvoker(log),
		peers:    make(map[types.NodeID]*Handler),
		topology: make(map[types.NodeID][]types.NodeID),
		workload: workload,
	}
}

// ID returns this node's own identity. Valid only after Run has processed
// the init envelope.
func (n *Node) ID() types.NodeID { return n.id }

// NodeIDs returns the full cluster membership as announced at init.
func (n *Node) NodeIDs() []types.NodeID { return n.nodeIDs }

// Peers returns every other cluster node's id (excludes self and any
// virtual service node such as seq-kv, since those never appear in
// node_ids).
func (n *Node) Peers() []types.NodeID {
	out := make([]types.NodeID, 0, len(n.nodeIDs))
	for _, id := range n.nodeIDs {
		if id != n.id {
			out = append(out, id)
		}
	}
	return out
}

// Neighbors returns the broadcast overlay neighbors for this node, per
// whichever topology mode Config selects.
func (n *Node) Neighbors() []types.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Config.Topology == TopologyFanout {
		return fanoutNeighbors(n.nodeIDs, n.id, n.Config.Fanout)
	}
	if neigh, ok := n.topology[n.id]; ok {
		return neigh
	}
	return n.Peers()
}

// fanoutNeighbors computes the deterministic sparse overlay from section
// 4.6: node at index i is linked to every index j != i with
// j == (i+1) mod F, for fanout F -- one residue class per node, giving a
// log-diameter propagation graph.
func fanoutNeighbors(nodeIDs []types.NodeID, self types.NodeID, fanout int) []types.NodeID {
	if fanout <= 0 {
		fanout = 4
	}
	idx := -1
	for i, id := range nodeIDs {
		if id == self {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	class := (idx + 1) % fanout
	var out []types.NodeID
	for i, id := range nodeIDs {
		if i%fanout == class && id != self {
			out = append(out, id)
		}
	}
	return out
}

// PeerHandler returns (creating if necessary) the per-peer delivery
// handler for peer, wired straight to the output pump.
func (n *Node) PeerHandler(peer types.NodeID) *Handler {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.peers[peer]
	if !ok {
		h = NewHandler(peer, n.output.Emit, n.Log)
		h.resendAfter = n.Config.ResendAfter
		n.peers[peer] = h
	}
	return h
}

// AllPeerHandlers returns a snapshot of every known peer handler.
func (n *Node) AllPeerHandlers() []*Handler {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Handler, 0, len(n.peers))
	for _, h := range n.peers {
		out = append(out, h)
	}
	return out
}

// Reply sends body as the reply to request, stamping msg_id/in_reply_to
// per section 4.1, and emits it straight through the output pump (not
// tracked for resend: a lost reply is repaired when the requester's own
// peer handler resends the original request).
func (n *Node) Reply(request types.Envelope, body types.Body) {
	env, err := types.NewReply(request, n.Ids, body)
	if err != nil {
		n.Log.Errorf("failed building reply: %v", err)
		return
	}
	n.output.Emit(env)
}

// ReplyError sends a protocol-level error reply.
func (n *Node) ReplyError(request types.Envelope, rerr *types.RPCError) {
	n.Reply(request, types.NewErrorBody(rerr))
}

// SendTracked routes body to peer through that peer's delivery handler,
// so it is retransmitted until acked (section 4.3).
func (n *Node) SendTracked(peer types.NodeID, body types.Body) {
	env, err := types.NewEnvelope(n.Ids, n.id, peer, body)
	if err != nil {
		n.Log.Errorf("failed building envelope to %s: %v", peer, err)
		return
	}
	n.PeerHandler(peer).Send(env)
}

// Emit sends a fully-built envelope straight through the output pump,
// bypassing per-peer ack tracking. Exposed for components (such as the kv
// coordinator) that build their own envelopes against a virtual node that
// has no Handler of its own.
func (n *Node) Emit(env types.Envelope) {
	n.output.Emit(env)
}

// Subscribe registers a new input-pump subscriber. Exposed so a component
// that owns its own goroutine (the kv coordinator) can consume envelopes
// from a particular source without going through the main loop.
func (n *Node) Subscribe() <-chan types.Envelope {
	return n.input.Subscribe()
}

// SendRaw emits body to peer directly through the output pump, without
// per-peer ack tracking. Used for periodic traffic whose loss the next
// round covers: replicated-log anti-entropy polls, broadcast sync batches,
// and counter gossip reads. Replicated-log pushes go through SendTracked.
func (n *Node) SendRaw(peer types.NodeID, body types.Body) {
	env, err := types.NewEnvelope(n.Ids, n.id, peer, body)
	if err != nil {
		n.Log.Errorf("failed building envelope to %s: %v", peer, err)
		return
	}
	n.output.Emit(env)
}

// Run reads the init envelope, replies init_ok, starts the workload, and
// enters the main event loop (section 5) until the input stream closes.
func (n *Node) Run(r io.Reader, w io.Writer) error {
	n.input = NewInputPump(bufio.NewReaderSize(r, 64*1024), n.Log)
	n.output = NewOutputPump(w, n.Log)

	sub := n.input.Subscribe()
	n.Invoker.Spawn(n.input.Run)
	n.Invoker.Spawn(n.output.Run)

	initEnv, ok := <-sub
	if !ok {
		return nil
	}
	if err := n.handleInit(initEnv); err != nil {
		return err
	}

	if err := n.workload.Init(n); err != nil {
		return err
	}

	// Section 5: bounded receive with a timeout of half the resend
	// interval, then the tick routine runs whether or not an envelope
	// arrived -- a busy input stream must not starve resend or
	// anti-entropy.
	tickInterval := n.Config.ResendAfter / 2
	for {
		select {
		case env, ok := <-sub:
			if !ok {
				n.output.Close()
				return nil
			}
			n.dispatch(env)
		case <-time.After(tickInterval):
		}
		n.tick()
	}
}

func (n *Node) handleInit(env types.Envelope) error {
	var body types.InitBody
	if err := env.Decode(&body); err != nil || body.Type != "init" {
		if err == nil {
			err = types.NewRPCError(types.ErrMalformedRequest, "first message must be init, got "+body.Type)
		}
		n.Log.Fatalf("first message must be init: %v", err)
		return err
	}
	if verr := types.CheckProtocolVersion(body.Version); verr != nil {
		n.Log.Fatalf("init rejected: %v", verr)
		return verr
	}
	n.id = body.NodeID
	n.nodeIDs = body.NodeIDs
	n.Log.Infof("initialized as %s among %v", n.id, n.nodeIDs)
	n.Reply(env, &types.InitOkBody{MessageHeader: types.MessageHeader{Type: "init_ok"}})
	return nil
}

func (n *Node) handleTopology(env types.Envelope) {
	var body types.TopologyBody
	if err := env.Decode(&body); err != nil {
		n.ReplyError(env, types.NewRPCError(types.ErrMalformedRequest, err.Error()))
		return
	}
	n.mu.Lock()
	n.topology = body.Topology
	n.mu.Unlock()
	n.Reply(env, &types.TopologyOkBody{MessageHeader: types.MessageHeader{Type: "topology_ok"}})
}

func (n *Node) dispatch(env types.Envelope) {
	if env.Src == types.SeqKV {
		// Handled exclusively by the kv coordinator's own subscription
		// (section 5): it owns its own thread and its own KV-reply feed.
		return
	}

	header, err := env.PeekHeader()
	if err != nil {
		n.Log.Errorf("malformed body from %s: %v", env.Src, err)
		return
	}

	// Every envelope from a known peer updates last_message_received, not
	// just replies -- OnIncoming itself gates the in-flight removal step on
	// in_reply_to being present (section 4.3).
	if h, ok := n.peerHandlerIfKnown(env.Src); ok {
		h.OnIncoming(env)
	}

	switch header.Type {
	case "init":
		n.Log.Warnf("ignoring duplicate init from %s", env.Src)
		return
	case "topology":
		n.handleTopology(env)
		return
	case "error":
		// Section 7: protocol-level errors from peers are values on the
		// wire, never conditions to crash on. The in-flight retirement
		// above already consumed the in_reply_to; the rest is logged.
		var body types.ErrorBody
		if err := env.Decode(&body); err == nil {
			n.Log.Warnf("error reply from %s: code %d: %s", env.Src, body.Code, body.Text)
		}
		return
	}

	if err := n.workload.Handle(n, env, header); err != nil {
		rerr := types.AsRPCError(err)
		if rerr.Code == types.ErrNotSupported {
			n.Log.Fatalf("unknown message type %q from %s: %v", header.Type, env.Src, rerr)
			return
		}
		if header.MsgID != nil {
			n.ReplyError(env, rerr)
		} else {
			n.Log.Errorf("error handling %q from %s: %v", header.Type, env.Src, rerr)
		}
	}
}

func (n *Node) peerHandlerIfKnown(peer types.NodeID) (*Handler, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.peers[peer]
	return h, ok
}

func (n *Node) tick() {
	for _, h := range n.AllPeerHandlers() {
		h.Tick()
	}
	n.workload.Tick(n)
}

// Exit is the panic/fatal boundary every cmd/ binary wires up: a panic
// anywhere aborts the process with a non-zero status (section 5, section
// 7), rather than letting one goroutine die silently.
func Exit(log definition.Logger, err error) {
	if err == nil {
		return
	}
	log.Errorf("fatal: %v", err)
	os.Exit(1)
}
