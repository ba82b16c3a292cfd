// Package order implements dependency-driven causal delivery. The
// network is not required to deliver operations in causal order, only
// to eventually deliver every causal ancestor of anything delivered;
// the Orderer buffers whatever arrives early and releases it the moment
// its last outstanding dependency has been delivered.
package order

import (
	"log/slog"
	"sync"

	"github.com/relves/spaces/pkg/types"
)

// Orderer tracks delivered operation IDs and a pending buffer of
// not-yet-ready operations indexed by their outstanding dependencies.
// Operations rejected later by the state machine (for example on
// permission grounds) still count as delivered here: dependents may
// reference them for ordering.
//
// The graph is held as a pure index keyed by OperationID — no
// operation holds an in-memory reference to another, so buffered
// history cannot form reference cycles.
type Orderer struct {
	logger *slog.Logger

	mu        sync.Mutex
	delivered map[types.OperationID]struct{}
	buffered  map[types.OperationID]*bufferedOp
	waiters   map[types.OperationID][]types.OperationID
}

type bufferedOp struct {
	id      types.OperationID
	op      *types.Operation
	missing int
}

// Config configures an Orderer.
type Config struct {
	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger
}

// New creates an empty Orderer.
func New(cfg Config) *Orderer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orderer{
		logger:    cfg.Logger,
		delivered: make(map[types.OperationID]struct{}),
		buffered:  make(map[types.OperationID]*bufferedOp),
		waiters:   make(map[types.OperationID][]types.OperationID),
	}
}

// Submit offers an operation for delivery. If every dependency has been
// delivered the operation is returned, followed by any buffered
// operations it transitively releases, in dependency-respecting order.
// Otherwise it is buffered until its missing dependencies arrive;
// buffered operations wait indefinitely (eviction is an external
// policy). Re-submission of a delivered or buffered ID is a no-op.
func (o *Orderer) Submit(op *types.Operation) ([]*types.Operation, error) {
	id, err := op.ID()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.delivered[id]; ok {
		return nil, nil
	}
	if _, ok := o.buffered[id]; ok {
		return nil, nil
	}

	missing := 0
	for _, dep := range op.Previous {
		if _, ok := o.delivered[dep]; !ok {
			o.waiters[dep] = append(o.waiters[dep], id)
			missing++
		}
	}

	if missing > 0 {
		o.buffered[id] = &bufferedOp{id: id, op: op, missing: missing}
		o.logger.Debug("operation buffered awaiting dependencies",
			"operation", id.String(), "missing", missing)
		return nil, nil
	}

	return o.deliver(id, op), nil
}

// deliver marks id delivered and drains everything it transitively
// unblocks. Caller holds o.mu.
func (o *Orderer) deliver(id types.OperationID, op *types.Operation) []*types.Operation {
	ready := []*types.Operation{op}
	o.delivered[id] = struct{}{}

	queue := []types.OperationID{id}
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]

		for _, waiterID := range o.waiters[dep] {
			waiter, ok := o.buffered[waiterID]
			if !ok {
				continue
			}
			waiter.missing--
			if waiter.missing > 0 {
				continue
			}
			delete(o.buffered, waiterID)
			o.delivered[waiterID] = struct{}{}
			ready = append(ready, waiter.op)
			queue = append(queue, waiterID)
			o.logger.Debug("operation released", "operation", waiterID.String())
		}
		delete(o.waiters, dep)
	}

	return ready
}

// MarkDelivered records an already-applied operation ID, releasing any
// buffered operations waiting on it. Used when rehydrating the orderer
// from a persisted state machine.
func (o *Orderer) MarkDelivered(id types.OperationID) []*types.Operation {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.delivered[id]; ok {
		return nil
	}
	released := o.deliver(id, nil)
	return released[1:]
}

// Delivered reports whether an operation ID has been delivered.
func (o *Orderer) Delivered(id types.OperationID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.delivered[id]
	return ok
}

// PendingCount returns the number of buffered operations still waiting
// on dependencies.
func (o *Orderer) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.buffered)
}
