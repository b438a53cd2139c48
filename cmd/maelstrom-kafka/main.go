// Command maelstrom-kafka runs the kafka-log workload node (section 4.5).
// Takes no flags: node identity comes from the harness's init message on
// stdin.
package main

import (
	"os"

	"github.com/gomaelstrom/node/pkg/maelstrom/core"
	"github.com/gomaelstrom/node/pkg/maelstrom/definition"
	"github.com/gomaelstrom/node/workload/kafka"
)

func main() {
	log := definition.NewDefaultLogger("maelstrom-kafka")
	n := core.NewNode(kafka.New(), core.DefaultConfig(), log)
	core.Exit(log, n.Run(os.Stdin, os.Stdout))
}
