// Package agentproc is the subprocess agent substrate: it forks the current
// executable into an isolated child selected by environment variable, wires
// the parent and child together over a shared-memory ring pair, and applies
// the configured exit strategy (Close / Restart / Retry) when the child
// dies on its own.
package agentproc

import (
	"context"
	"fmt"
	"sync"

	"orbcore/internal/shmem"
)

// Environment variables of the subprocess protocol.
const (
	EnvProcessName      = "ORB_CORE_PROCESS_NAME"
	EnvProcessShmem     = "ORB_CORE_PROCESS_SHMEM"
	EnvProcessParentPID = "ORB_CORE_PROCESS_PARENT_PID"
	EnvProcessArgs      = "ORB_CORE_PROCESS_ARGS"
)

// Layout is the compile-time shared-memory sizing for one agent: both rings
// use the same slot geometry, and the init-state block precedes them.
type Layout struct {
	InitSize  int
	SlotSize  int
	SlotCount int
}

// Entry is a child-process agent body. It receives the init-state block and
// the two rings (inputs to consume, outputs to produce) and runs until ctx
// is done or the input ring's parent side goes away.
type Entry func(ctx context.Context, initState []byte, inputs, outputs *shmem.Ring) error

type registration struct {
	layout Layout
	entry  Entry
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]registration)
)

// Register binds an agent name to its child entry point and shared-memory
// layout. Both the parent (Spawn) and the child (Main) resolve the agent
// through this table, so registration must happen in shared init code that
// runs in every process image.
func Register(name string, layout Layout, entry Entry) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("agentproc: duplicate registration of %q", name))
	}
	registry[name] = registration{layout: layout, entry: entry}
}

func lookup(name string) (registration, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	reg, ok := registry[name]
	return reg, ok
}
