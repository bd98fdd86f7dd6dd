package fabric

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/goliatone/go-errors"

	"github.com/goliatone/go-drama"
	"github.com/goliatone/go-drama/sds"
)

var (
	ErrTaskExists = errors.New("task already attached", errors.CategoryConflict).
			WithTextCode("FABRIC_TASK_EXISTS")
	ErrNoTask = errors.New("task not attached", errors.CategoryBadInput).
			WithTextCode("FABRIC_NO_TASK")
	ErrNodeClosed = errors.New("task node is closed", errors.CategoryConflict).
			WithTextCode("FABRIC_NODE_CLOSED")
	ErrMailboxFull = errors.New("task mailbox is full", errors.CategoryExternal).
			WithTextCode("FABRIC_MAILBOX_FULL")
	ErrNoContext = errors.New("operation requires an action context", errors.CategoryConflict).
			WithTextCode("FABRIC_NO_CONTEXT")
)

// Bus connects in-process task nodes. Each node runs its own loop; all
// traffic between nodes is posted into the target node mailbox.
type Bus struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	tid    atomic.Uint64
	logger drama.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger inherited by nodes without their own.
func WithBusLogger(logger drama.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus returns an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{nodes: make(map[string]*Node)}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.logger = drama.NormalizeLogger(b.logger)
	return b
}

// Attach creates the node for task. The node does not process messages
// until Run is called.
func (b *Bus) Attach(task string, opts ...NodeOption) (*Node, error) {
	if task == "" {
		return nil, errors.New("task name required", errors.CategoryBadInput).
			WithTextCode("FABRIC_TASK_NAME")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.nodes[task]; exists {
		return nil, ErrTaskExists.Clone().WithMetadata(map[string]any{"task": task})
	}
	n := newNode(b, task, opts...)
	b.nodes[task] = n
	return n, nil
}

// Node returns the attached node for task.
func (b *Bus) Node(task string) (*Node, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.nodes[task]
	return n, ok
}

// Tasks lists attached task names.
func (b *Bus) Tasks() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BlindObey starts action in task without a transaction.
func (b *Bus) BlindObey(task, action string, arg *sds.Node) error {
	n, ok := b.Node(task)
	if !ok {
		return ErrNoTask.Clone().WithMetadata(map[string]any{"task": task})
	}
	return n.BlindObey(action, arg)
}

// BlindKick kicks action in task without a transaction.
func (b *Bus) BlindKick(task, action string, arg *sds.Node) error {
	n, ok := b.Node(task)
	if !ok {
		return ErrNoTask.Clone().WithMetadata(map[string]any{"task": task})
	}
	return n.BlindKick(action, arg)
}

func (b *Bus) nextTransID() drama.TransID {
	return drama.TransID(b.tid.Add(1))
}

// detach removes n and tells every remaining node that its peer died.
func (b *Bus) detach(n *Node) {
	b.mu.Lock()
	if cur, ok := b.nodes[n.task]; !ok || cur != n {
		b.mu.Unlock()
		return
	}
	delete(b.nodes, n.task)
	peers := make([]*Node, 0, len(b.nodes))
	for _, peer := range b.nodes {
		peers = append(peers, peer)
	}
	b.mu.Unlock()

	for _, peer := range peers {
		peer := peer
		peer.post(func() { peer.peerDied(n.task) })
	}
}
