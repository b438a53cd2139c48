package core

import (
	"sync"

	"github.com/gomaelstrom/node/pkg/maelstrom/definition"
)

// Invoker spawns and later joins a group of goroutines. Every background
// goroutine this module runs (input/output pumps, the kv coordinator,
// workload CAS rounds) is launched through this one indirection point, so
// a test can substitute its own invoker and goleak can verify a clean
// shutdown.
type Invoker interface {
	Spawn(f func())
	Stop()
}

// waitGroupInvoker is the production Invoker: every spawned goroutine is
// wrapped with a panic guard that logs and exits the process non-zero,
// matching section 7's "panic handler exits the process so no worker
// thread can silently die."
type waitGroupInvoker struct {
	group *sync.WaitGroup
	log   definition.Logger
}

// NewInvoker builds the production Invoker used by a running node.
func NewInvoker(log definition.Logger) Invoker {
	return &waitGroupInvoker{group: &sync.WaitGroup{}, log: log}
}

func (i *waitGroupInvoker) Spawn(f func()) {
	i.group.Add(1)
	go func() {
		defer i.group.Done()
		defer guard(i.log)
		f()
	}()
}

func (i *waitGroupInvoker) Stop() {
	i.group.Wait()
}

func guard(log definition.Logger) {
	if r := recover(); r != nil {
		log.Errorf("unrecovered panic, exiting: %v", r)
		panic(r)
	}
}
