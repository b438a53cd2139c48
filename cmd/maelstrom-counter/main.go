// Command maelstrom-counter runs the grow-only counter workload node
// (section 4.4). Takes no flags: node identity comes from the harness's
// init message on stdin.
package main

import (
	"os"

	"github.com/gomaelstrom/node/pkg/maelstrom/core"
	"github.com/gomaelstrom/node/pkg/maelstrom/definition"
	"github.com/gomaelstrom/node/workload/counter"
)

func main() {
	log := definition.NewDefaultLogger("maelstrom-counter")
	n := core.NewNode(counter.New(), core.DefaultConfig(), log)
	core.Exit(log, n.Run(os.Stdin, os.Stdout))
}
