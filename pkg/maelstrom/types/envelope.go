// Package types defines the wire-level envelope protocol shared by every
// workload: the newline-delimited JSON framing, message-id allocation, and
// the reply construction rule described in section 4.1 of the protocol
// notes. It is the leaf package every other package imports, never the
// other way around.
package types

import (
	"encoding/json"
	"sync/atomic"
)

// NodeID is an opaque string identifying a cluster peer or client. By
// convention identifiers beginning with "n" denote cluster peers.
type NodeID string

// SeqKV is the well-known identity of the external sequentially-consistent
// key-value service (section 4.4). It is addressed like any other node
// but never appears in a node's node_ids.
const SeqKV NodeID = "seq-kv"

// ProtocolVersion is the wire revision this node speaks. Carried on init so
// a harness running a newer revision can be detected rather than silently
// misunderstood.
const ProtocolVersion = "1.0.0"

// MessageHeader carries the fields every body has in common. Concrete
// body types embed it by value so that encoding/json flattens msg_id,
// in_reply_to and type alongside the payload's own fields on the wire.
type MessageHeader struct {
	Type      string `json:"type"`
	MsgID     *int   `json:"msg_id,omitempty"`
	InReplyTo *int   `json:"in_reply_to,omitempty"`
}

// Body is implemented by every concrete message body so that the codec can
// stamp msg_id/in_reply_to onto it without knowing its payload shape.
type Body interface {
	Header() *MessageHeader
}

func (h *MessageHeader) Header() *MessageHeader { return h }

// Envelope is the common `{src, dest, body}` frame. Body is kept as raw
// JSON until a handler knows which concrete type to decode it into, so
// dispatch only ever decodes as far as it needs.
type Envelope struct {
	Src  NodeID          `json:"src"`
	Dest NodeID          `json:"dest"`
	Body json.RawMessage `json:"body"`
}

// PeekHeader decodes only the common header fields, leaving the
// type-specific payload undecoded. Used by dispatch code that needs the
// `type` discriminator before it knows which struct to fully unmarshal
// into.
func (e Envelope) PeekHeader() (MessageHeader, error) {
	var h MessageHeader
	if err := json.Unmarshal(e.Body, &h); err != nil {
		return h, NewRPCError(ErrMalformedRequest, err.Error())
	}
	return h, nil
}

// Decode fully unmarshals the envelope body into dst, which must be a
// pointer to a concrete Body-shaped struct.
func (e Envelope) Decode(dst interface{}) error {
	if err := json.Unmarshal(e.Body, dst); err != nil {
		return NewRPCError(ErrMalformedRequest, err.Error())
	}
	return nil
}

// IDGenerator is the process-wide monotonically increasing counter used to
// allocate msg_id values. A single atomic counter per process suffices --
// msg_id is never compared across nodes (section 9, design notes).
type IDGenerator struct {
	counter int64
}

// Next returns the next msg_id, starting at zero.
func (g *IDGenerator) Next() int {
	return int(atomic.AddInt64(&g.counter, 1)) - 1
}

// Encode marshals an envelope whose body already carries its own msg_id
// (if any) into a single line, without a trailing newline.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// NewEnvelope stamps a msg_id onto body via ids and wraps it as an
// outbound envelope from src to dest. Used for unsolicited sends (gossip,
// resend) that are not replies to any particular request.
func NewEnvelope(ids *IDGenerator, src, dest NodeID, body Body) (Envelope, error) {
	mid := ids.Next()
	body.Header().MsgID = &mid
	body.Header().InReplyTo = nil
	data, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Src: src, Dest: dest, Body: data}, nil
}

// NewReply builds the reply envelope for request: src/dest are swapped,
// in_reply_to is set to request's msg_id, and a fresh msg_id is allocated
// for the reply body -- the construction rule from section 4.1.
func NewReply(request Envelope, ids *IDGenerator, body Body) (Envelope, error) {
	reqHeader, err := request.PeekHeader()
	if err != nil {
		return Envelope{}, err
	}
	h := body.Header()
	h.InReplyTo = reqHeader.MsgID
	mid := ids.Next()
	h.MsgID = &mid
	data, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Src: request.Dest, Dest: request.Src, Body: data}, nil
}
