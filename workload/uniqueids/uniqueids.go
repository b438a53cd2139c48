// Package uniqueids implements the unique-id-generation workload front-end
// (section 4.6): every node mints ids independently by combining its own
// node id with a local monotonic counter, so no coordination is needed.
package uniqueids

import (
	"fmt"
	"sync/atomic"

	"github.com/gomaelstrom/node/pkg/maelstrom/core"
	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

// Workload is the unique-ids front-end.
type Workload struct {
	counter uint64
}

// New builds an empty unique-ids workload.
func New() *Workload {
	return &Workload{}
}

func (w *Workload) Init(n *core.Node) error { return nil }

func (w *Workload) Handle(n *core.Node, env types.Envelope, header types.MessageHeader) error {
	if header.Type != "generate" {
		return types.NewRPCError(types.ErrNotSupported, "uniqueids: unknown type "+header.Type)
	}
	next := atomic.AddUint64(&w.counter, 1) - 1
	n.Reply(env, &types.GenerateOkBody{
		MessageHeader: types.MessageHeader{Type: "generate_ok"},
		ID:            fmt.Sprintf("%s.%d", n.ID(), next),
	})
	return nil
}

func (w *Workload) Tick(n *core.Node) {}
