package core

import (
	"sync"
	"time"

	"github.com/gomaelstrom/node/pkg/maelstrom/definition"
	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

// ResendAfter is the retransmission timeout from section 3/8: a peer is
// considered silent once its newest in-flight send is older than this.
const ResendAfter = 200 * time.Millisecond

// inFlight is one outbound envelope awaiting acknowledgment -- section 3's
// "in-flight record". It has no persistent store; it lives only in the
// owning Handler's memory.
type inFlight struct {
	envelope types.Envelope
	sentAt   time.Time
}

// Handler is the per-peer delivery handler from section 4.3: it tracks
// outstanding payloads destined for one peer, retransmits on timeout, and
// applies acks. Delivery is its only responsibility -- what the payloads
// mean belongs to the workload that sent them.
type Handler struct {
	peer        types.NodeID
	emit        func(types.Envelope)
	resendAfter time.Duration
	log         definition.Logger

	mu                  sync.Mutex
	inflight            map[int]*inFlight
	order               []int
	lastMessageReceived time.Time
}

// NewHandler builds a Handler for the given peer. emit is the sole way the
// handler reaches the outside world -- a pure "emit(envelope)" interface
// back to the output pump, so the handler never retains a reference to
// anything but its own in-flight list (section 9, design notes).
func NewHandler(peer types.NodeID, emit func(types.Envelope), log definition.Logger) *Handler {
	return &Handler{
		peer:        peer,
		emit:        emit,
		resendAfter: ResendAfter,
		log:         log,
		inflight:    make(map[int]*inFlight),
	}
}

// Send enqueues envelope to the output pump and appends an in-flight
// record so it can be resent until acked.
func (h *Handler) Send(e types.Envelope) {
	if e.Dest != h.peer {
		h.log.Panicf("peer handler %s: asked to send to %s", h.peer, e.Dest)
	}
	header, err := e.PeekHeader()
	if err != nil || header.MsgID == nil {
		h.log.Errorf("peer handler %s: cannot track envelope without msg_id: %v", h.peer, err)
		h.emit(e)
		return
	}
	h.mu.Lock()
	h.inflight[*header.MsgID] = &inFlight{envelope: e, sentAt: time.Now()}
	h.order = append(h.order, *header.MsgID)
	h.mu.Unlock()
	h.emit(e)
}

// OnIncoming records that we heard from the peer and, if the envelope
// carries in_reply_to, retires the matching in-flight record. Duplicate
// acks are tolerated: removing an already-removed record is a no-op.
func (h *Handler) OnIncoming(e types.Envelope) {
	if e.Src != h.peer {
		h.log.Panicf("peer handler %s: received envelope from %s", h.peer, e.Src)
	}
	header, err := e.PeekHeader()
	h.mu.Lock()
	h.lastMessageReceived = time.Now()
	if err == nil && header.InReplyTo != nil {
		delete(h.inflight, *header.InReplyTo)
	}
	h.mu.Unlock()
}

// Tick runs the resend decision from section 4.3: if the newest in-flight
// send is older than resendAfter, flush every outstanding message when the
// peer has been heard from since that send (a perceived recovery), or
// else probe with only the oldest outstanding message (to avoid
// amplifying a silent peer).
func (h *Handler) Tick() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.order) == 0 {
		return
	}

	compact := h.order[:0]
	var oldest, newest *inFlight
	for _, id := range h.order {
		rec, ok := h.inflight[id]
		if !ok {
			continue
		}
		compact = append(compact, id)
		if oldest == nil {
			oldest = rec
		}
		newest = rec
	}
	h.order = compact
	if newest == nil {
		return
	}

	if time.Since(newest.sentAt) < h.resendAfter {
		return
	}

	if h.lastMessageReceived.After(newest.sentAt) {
		now := time.Now()
		for _, id := range h.order {
			rec := h.inflight[id]
			h.emit(rec.envelope)
			rec.sentAt = now
		}
	} else {
		h.emit(oldest.envelope)
		oldest.sentAt = time.Now()
	}
}

// Pending reports how many envelopes are currently awaiting acknowledgment.
// Used by tests.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inflight)
}
