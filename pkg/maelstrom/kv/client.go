// Package kv implements the coordinator from section 4.4: CAS loops
// against the external seq-kv service used as a linearizable primitive by
// the kafka-log xid assigner and the counter workload. It is a small
// component that owns exactly one external request/reply protocol and
// nothing else.
package kv

import (
	"context"
	"sync"

	"github.com/gomaelstrom/node/pkg/maelstrom/core"
	"github.com/gomaelstrom/node/pkg/maelstrom/definition"
	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

// Client is a request/response client against seq-kv. It owns its own
// goroutine and its own input-pump subscription (section 5: "the
// coordinator owns its own thread and its own KV-reply subscription"), so
// a blocking Read/Write/Cas call never blocks the node's main loop.
type Client struct {
	nodeID types.NodeID
	ids    *types.IDGenerator
	emit   func(types.Envelope)
	log    definition.Logger

	mu      sync.Mutex
	pending map[int]chan types.Envelope
}

// NewClient subscribes to n's input pump and starts the coordinator's
// polling goroutine. Must be called before any Read/Write/Cas call, so
// that no reply can arrive before its waiter is registered.
func NewClient(n *core.Node) *Client {
	c := &Client{
		nodeID:  n.ID(),
		ids:     n.Ids,
		emit:    n.Emit,
		log:     n.Log,
		pending: make(map[int]chan types.Envelope),
	}
	sub := n.Subscribe()
	n.Invoker.Spawn(func() { c.poll(sub) })
	return c
}

func (c *Client) poll(sub <-chan types.Envelope) {
	for env := range sub {
		if env.Src != types.SeqKV {
			continue
		}
		header, err := env.PeekHeader()
		if err != nil || header.InReplyTo == nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*header.InReplyTo]
		if ok {
			delete(c.pending, *header.InReplyTo)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// request sends body to seq-kv and blocks the caller (not the main loop)
// until a reply arrives or ctx is done.
func (c *Client) request(ctx context.Context, body types.Body) (types.Envelope, error) {
	env, err := types.NewEnvelope(c.ids, c.nodeID, types.SeqKV, body)
	if err != nil {
		return types.Envelope{}, err
	}
	header, err := env.PeekHeader()
	if err != nil {
		return types.Envelope{}, err
	}
	replyCh := make(chan types.Envelope, 1)
	c.mu.Lock()
	c.pending[*header.MsgID] = replyCh
	c.mu.Unlock()
	c.emit(env)

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, *header.MsgID)
		c.mu.Unlock()
		return types.Envelope{}, ctx.Err()
	}
}

// asAppError decodes an "error" typed reply into an *RPCError, or nil if
// reply is not an error reply.
func asAppError(reply types.Envelope) (*types.RPCError, error) {
	header, err := reply.PeekHeader()
	if err != nil {
		return nil, err
	}
	if header.Type != "error" {
		return nil, nil
	}
	var body types.ErrorBody
	if err := reply.Decode(&body); err != nil {
		return nil, err
	}
	return types.NewRPCError(body.Code, body.Text), nil
}

// Read fetches the current value of key.
func (c *Client) Read(ctx context.Context, key string) (int64, error) {
	reply, err := c.request(ctx, &types.KVReadBody{MessageHeader: types.MessageHeader{Type: "read"}, Key: key})
	if err != nil {
		return 0, err
	}
	if rerr, err := asAppError(reply); err != nil {
		return 0, err
	} else if rerr != nil {
		return 0, rerr
	}
	var body types.KVReadOkBody
	if err := reply.Decode(&body); err != nil {
		return 0, err
	}
	return body.Value, nil
}

// Write sets key unconditionally.
func (c *Client) Write(ctx context.Context, key string, value int64) error {
	reply, err := c.request(ctx, &types.KVWriteBody{MessageHeader: types.MessageHeader{Type: "write"}, Key: key, Value: value})
	if err != nil {
		return err
	}
	if rerr, err := asAppError(reply); err != nil {
		return err
	} else if rerr != nil {
		return rerr
	}
	return nil
}

// Cas attempts a compare-and-set of key from from to to. If
// createIfNotExists is set and the key is absent, the CAS succeeds and
// creates it (section 4.4, CAS-initialize-or-observe). The returned error
// is a *types.RPCError (typically ErrPreconditionFailed or
// ErrKeyDoesNotExist) when the CAS did not apply.
func (c *Client) Cas(ctx context.Context, key string, from, to int64, createIfNotExists bool) error {
	reply, err := c.request(ctx, &types.KVCasBody{
		MessageHeader:     types.MessageHeader{Type: "cas"},
		Key:               key,
		From:              from,
		To:                to,
		CreateIfNotExists: createIfNotExists,
	})
	if err != nil {
		return err
	}
	if rerr, err := asAppError(reply); err != nil {
		return err
	} else if rerr != nil {
		return rerr
	}
	return nil
}
