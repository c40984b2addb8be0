package runtime

import (
	"errors"
	"testing"

	"github.com/veritaschain/veritas/pkg/crypto"
	"github.com/veritaschain/veritas/pkg/storage"
)

type fakeService struct {
	id      uint16
	fail    error
	panics  bool
	root    crypto.Hash
	applied int
}

func (s *fakeService) ID() uint16   { return s.id }
func (s *fakeService) Name() string { return "fake" }
func (s *fakeService) Verify(payload []byte) error {
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	return nil
}
func (s *fakeService) Execute(fork *storage.Fork, payload []byte) error {
	if s.panics {
		panic("boom")
	}
	if s.fail != nil {
		return s.fail
	}
	s.applied++
	return nil
}
func (s *fakeService) BeforeTransactions(fork *storage.Fork) error { return nil }
func (s *fakeService) AfterTransactions(fork *storage.Fork) error  { return nil }
func (s *fakeService) StateHash(access storage.Access) []crypto.Hash {
	return []crypto.Hash{s.root}
}

func TestDispatcherRegisterRejectsDuplicates(t *testing.T) {
	d := NewDispatcher()
	if err := d.Register(&fakeService{id: 1}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register(&fakeService{id: 1}); !errors.Is(err, ErrDuplicateService) {
		t.Fatalf("second Register() = %v, want ErrDuplicateService", err)
	}
}

func TestDispatcherExecuteRecoversPanic(t *testing.T) {
	d := NewDispatcher()
	svc := &fakeService{id: 2, panics: true}
	if err := d.Register(svc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	db := storage.NewDatabase()
	fork := db.Fork()

	err := d.Execute(fork, Transaction{ServiceID: 2, Payload: []byte("x")})
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute() = %v, want *ExecutionError", err)
	}
	if !execErr.Recovered {
		t.Fatalf("ExecutionError.Recovered = false, want true for a panicking service")
	}
}

func TestDispatcherExecuteUnknownService(t *testing.T) {
	d := NewDispatcher()
	db := storage.NewDatabase()
	fork := db.Fork()
	if _, ok := d.Lookup(99); ok {
		t.Fatalf("Lookup found a service that was never registered")
	}
	if err := d.Execute(fork, Transaction{ServiceID: 99}); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("Execute() = %v, want ErrUnknownService", err)
	}
}

func TestDispatcherStateHashIsAscendingByServiceID(t *testing.T) {
	d := NewDispatcher()
	rootA := crypto.SHA256([]byte("a"))
	rootB := crypto.SHA256([]byte("b"))
	if err := d.Register(&fakeService{id: 5, root: rootB}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Register(&fakeService{id: 1, root: rootA}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	db := storage.NewDatabase()
	roots := d.StateHash(db.Snapshot())
	if len(roots) != 2 || roots[0] != rootA || roots[1] != rootB {
		t.Fatalf("StateHash() = %v, want [rootA, rootB] in ascending service-id order", roots)
	}
	if ids := d.ServiceIDs(); len(ids) != 2 || ids[0] != 1 || ids[1] != 5 {
		t.Fatalf("ServiceIDs() = %v, want [1, 5]", ids)
	}
}
