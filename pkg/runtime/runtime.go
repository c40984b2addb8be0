// Package runtime dispatches transactions to the services that define
// them, per spec §4.E and the "service runtime glue" component (I) of
// SPEC_FULL.md §4.E.1. A service defines only a binary transaction
// format, a deterministic Execute function over storage, optional
// BeforeTransactions/AfterTransactions hooks, and a state-hash
// contribution; the core (this package) only ever calls through this
// interface.
//
// Modeled after the teacher's pkg/execution.Executor dispatch pattern
// (certenIO-certen-validator/pkg/execution/executor.go), generalized
// from a single hardcoded execution path into a registry keyed by
// service id.
package runtime

import (
	"errors"
	"fmt"

	"github.com/veritaschain/veritas/pkg/crypto"
	"github.com/veritaschain/veritas/pkg/storage"
)

// ErrUnknownService is returned when a transaction names a service id
// with no registered Service.
var ErrUnknownService = errors.New("runtime: unknown service id")

// ErrDuplicateService is returned by Dispatcher.Register when a service
// id is already registered.
var ErrDuplicateService = errors.New("runtime: duplicate service id")

// Transaction is the minimal surface the dispatcher needs from a signed
// transaction body: which service it targets and the service-specific
// payload to execute. Message framing and signature verification
// (pkg/messages, pkg/crypto) happen before a Transaction ever reaches
// this package.
type Transaction struct {
	ServiceID uint16
	Payload   []byte
}

// Service is implemented by every transaction-processing module that
// plugs into the core, per spec §1's boundary: "a binary transaction
// format, a deterministic execute function over storage, optional
// before_transactions/after_transactions hooks, and a state-hash
// contribution."
type Service interface {
	// ID returns the service's unique identifier, used to route
	// transactions and to key per-service storage addresses.
	ID() uint16
	// Name returns a human-readable service name, used only in logs and
	// error messages.
	Name() string
	// Verify performs service-specific validation of a transaction's
	// payload before it is accepted into the pool (spec §3 "Lifecycle":
	// "accepted into the pool once signature + domain-specific verify()
	// succeed"). It must not touch storage.
	Verify(payload []byte) error
	// Execute applies payload's effect to fork. Per spec §4.E step 4,
	// execution must be a pure function of the Fork contents and the
	// transaction body: no external time, randomness, or global state.
	Execute(fork *storage.Fork, payload []byte) error
	// BeforeTransactions runs once per block, before any transaction is
	// executed, in service-id order (spec §4.E step 3).
	BeforeTransactions(fork *storage.Fork) error
	// AfterTransactions runs once per block, after every transaction has
	// been executed, in service-id order (spec §4.E step 5).
	AfterTransactions(fork *storage.Fork) error
	// StateHash returns this service's authenticated index roots, in a
	// fixed order stable across calls, contributing to the block's
	// aggregate state_hash (spec §4.E step 6). Called after
	// AfterTransactions with the in-progress fork, so roots reflect this
	// block's own mutations rather than the state before it.
	StateHash(access storage.Access) []crypto.Hash
}

// ExecutionError wraps a failure from a service's Execute call,
// including panics recovered at the dispatch boundary (spec §4.E step 4,
// DESIGN NOTES §9: "panics ... must be caught and converted into a typed
// error result without aborting the block"). It is recorded in the
// block's error map (spec §3 "error_hash") rather than propagated.
type ExecutionError struct {
	ServiceID uint16
	Recovered bool
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Recovered {
		return fmt.Sprintf("runtime: service %d execute panicked: %v", e.ServiceID, e.Err)
	}
	return fmt.Sprintf("runtime: service %d execute failed: %v", e.ServiceID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Dispatcher routes transactions to registered services and aggregates
// their state-hash contributions, in a fixed service-id order, into the
// block's state_hash ProofList (spec §4.E step 6).
type Dispatcher struct {
	services map[uint16]Service
	order    []uint16 // service ids in ascending order, fixed once registered
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{services: make(map[uint16]Service)}
}

// Register adds svc to the dispatcher. Services must be registered
// before genesis; the registration order does not matter, only the
// resulting id ordering does (ids are always walked ascending).
func (d *Dispatcher) Register(svc Service) error {
	id := svc.ID()
	if _, exists := d.services[id]; exists {
		return fmt.Errorf("%w: %d (%s)", ErrDuplicateService, id, svc.Name())
	}
	d.services[id] = svc
	d.order = insertSorted(d.order, id)
	return nil
}

func insertSorted(order []uint16, id uint16) []uint16 {
	i := 0
	for i < len(order) && order[i] < id {
		i++
	}
	order = append(order, 0)
	copy(order[i+1:], order[i:])
	order[i] = id
	return order
}

// Lookup returns the service registered under id, or nil if none.
func (d *Dispatcher) Lookup(id uint16) (Service, bool) {
	svc, ok := d.services[id]
	return svc, ok
}

// Verify routes tx to its service's Verify. Returns ErrUnknownService if
// no service is registered for tx.ServiceID.
func (d *Dispatcher) Verify(tx Transaction) error {
	svc, ok := d.services[tx.ServiceID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownService, tx.ServiceID)
	}
	return svc.Verify(tx.Payload)
}

// BeforeTransactions calls every registered service's BeforeTransactions
// hook, in ascending service-id order (spec §4.E step 3).
func (d *Dispatcher) BeforeTransactions(fork *storage.Fork) error {
	for _, id := range d.order {
		if err := d.services[id].BeforeTransactions(fork); err != nil {
			return fmt.Errorf("runtime: service %d before_transactions: %w", id, err)
		}
	}
	return nil
}

// AfterTransactions calls every registered service's AfterTransactions
// hook, in ascending service-id order (spec §4.E step 5).
func (d *Dispatcher) AfterTransactions(fork *storage.Fork) error {
	for _, id := range d.order {
		if err := d.services[id].AfterTransactions(fork); err != nil {
			return fmt.Errorf("runtime: service %d after_transactions: %w", id, err)
		}
	}
	return nil
}

// Execute dispatches tx to its service's Execute, recovering any panic
// and converting it to an *ExecutionError rather than aborting the
// block (spec §4.E step 4). A typed error returned normally by Execute
// is wrapped the same way so callers handle both uniformly.
func (d *Dispatcher) Execute(fork *storage.Fork, tx Transaction) (execErr error) {
	svc, ok := d.services[tx.ServiceID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownService, tx.ServiceID)
	}
	defer func() {
		if r := recover(); r != nil {
			execErr = &ExecutionError{ServiceID: tx.ServiceID, Recovered: true, Err: fmt.Errorf("%v", r)}
		}
	}()
	if err := svc.Execute(fork, tx.Payload); err != nil {
		return &ExecutionError{ServiceID: tx.ServiceID, Err: err}
	}
	return nil
}

// StateHash aggregates every registered service's StateHash() output,
// in ascending service-id order, into a single fixed-order sequence
// (spec §4.E step 6: "a fixed-order ProofList over each service's
// reported roots"). access is the fork block assembly is executing
// against, read after AfterTransactions so roots reflect this block's
// own mutations.
func (d *Dispatcher) StateHash(access storage.Access) []crypto.Hash {
	var out []crypto.Hash
	for _, id := range d.order {
		out = append(out, d.services[id].StateHash(access)...)
	}
	return out
}

// ServiceIDs returns the registered service ids in ascending order.
func (d *Dispatcher) ServiceIDs() []uint16 {
	out := make([]uint16, len(d.order))
	copy(out, d.order)
	return out
}
