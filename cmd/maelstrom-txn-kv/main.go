// Command maelstrom-txn-kv runs the txn-kv workload node (section 4.5).
// Takes no flags: node identity comes from the harness's init message on
// stdin.
package main

import (
	"os"

	"github.com/gomaelstrom/node/pkg/maelstrom/core"
	"github.com/gomaelstrom/node/pkg/maelstrom/definition"
	"github.com/gomaelstrom/node/workload/txnkv"
)

func main() {
	log := definition.NewDefaultLogger("maelstrom-txn-kv")
	n := core.NewNode(txnkv.New(), core.DefaultConfig(), log)
	core.Exit(log, n.Run(os.Stdin, os.Stdout))
}
