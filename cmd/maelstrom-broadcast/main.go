// Command maelstrom-broadcast runs the broadcast workload node (section
// 4.6). Takes no flags: node identity comes from the harness's init
// message on stdin.
package main

import (
	"os"

	"github.com/gomaelstrom/node/pkg/maelstrom/core"
	"github.com/gomaelstrom/node/pkg/maelstrom/definition"
	"github.com/gomaelstrom/node/workload/broadcast"
)

func main() {
	log := definition.NewDefaultLogger("maelstrom-broadcast")
	n := core.NewNode(broadcast.New(), core.DefaultConfig(), log)
	core.Exit(log, n.Run(os.Stdin, os.Stdout))
}
