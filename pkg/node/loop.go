// Package node implements the single-threaded cooperative event loop of
// spec §5: one goroutine selecting over timer channels, an
// inbound-message channel fed by the network layer, and a shutdown
// channel. Cryptographic verification and block execution run inline on
// this loop; the network layer's own goroutines only ever write into
// its event channel and hold no pool state across a send (spec §5
// "Scheduling model").
package node

import (
	"errors"
	"fmt"
	"log"

	"github.com/veritaschain/veritas/pkg/blockchain"
	"github.com/veritaschain/veritas/pkg/consensus"
	"github.com/veritaschain/veritas/pkg/crypto"
	"github.com/veritaschain/veritas/pkg/network"
	"github.com/veritaschain/veritas/pkg/runtime"
	"github.com/veritaschain/veritas/pkg/storage"
)

// ErrUnknownTransaction is returned by SubmitTransaction when the
// envelope names a service not registered with the dispatcher.
var ErrUnknownTransaction = errors.New("node: transaction names an unregistered service")

// CommitListener is notified once per transaction of each committed
// block, after the block's patch has been merged and right after that
// transaction has been removed from the pool.
// pkg/pushapi implements this to wake WebSocket status subscribers.
type CommitListener interface {
	NotifyCommitted(hash crypto.Hash)
}

// Loop is the concrete cooperative scheduler of spec §5.1: it owns the
// Engine, the connection Pool, and the unconfirmed transaction Pool,
// and is the sole writer to the database (spec §5 "Shared resources").
type Loop struct {
	engine    *consensus.Engine
	netPool   *network.Pool
	db        *storage.Database
	txPool    *blockchain.Pool
	codec     blockchain.TxCodec
	dispatch  *runtime.Dispatcher
	networkID uint32
	logger    *log.Logger

	listener CommitListener
	shutdown chan struct{}
	done     chan struct{}
}

// Config bundles everything a Loop needs to run. Engine may be left nil
// and supplied afterwards via AttachEngine, since building an Engine
// typically needs the Loop's own OnCommit method as its commit hook —
// a one-cycle dependency resolved by two-step construction rather than
// by importing pushapi/consensus types Loop would otherwise not need.
type Config struct {
	Engine     *consensus.Engine
	NetPool    *network.Pool
	Database   *storage.Database
	TxPool     *blockchain.Pool
	Codec      blockchain.TxCodec
	Dispatcher *runtime.Dispatcher
	NetworkID  uint32
	Logger     *log.Logger
	Listener   CommitListener
}

// NewLoop returns a Loop ready to Run.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[node] ", log.LstdFlags)
	}
	return &Loop{
		engine:    cfg.Engine,
		netPool:   cfg.NetPool,
		db:        cfg.Database,
		txPool:    cfg.TxPool,
		codec:     cfg.Codec,
		dispatch:  cfg.Dispatcher,
		networkID: cfg.NetworkID,
		logger:    logger,
		listener:  cfg.Listener,
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// AttachEngine sets the Engine a Loop drives. Must be called before Run
// if Config.Engine was left nil at construction.
func (l *Loop) AttachEngine(e *consensus.Engine) { l.engine = e }

// SubmitTransaction verifies raw's signature and domain-specific
// Verify(), then accepts it into the pool and gossips it to every
// connected peer (spec §3 "Lifecycle": "accepted into the pool once
// signature + domain-specific verify() succeed").
func (l *Loop) SubmitTransaction(raw []byte) (crypto.Hash, error) {
	if err := l.codec.VerifySignature(raw); err != nil {
		return crypto.Hash{}, err
	}
	tx, err := l.codec.Decode(raw)
	if err != nil {
		return crypto.Hash{}, err
	}
	if _, ok := l.dispatch.Lookup(tx.ServiceID); !ok {
		return crypto.Hash{}, fmt.Errorf("%w: %d", ErrUnknownTransaction, tx.ServiceID)
	}
	if err := l.dispatch.Verify(tx); err != nil {
		return crypto.Hash{}, err
	}
	hash := crypto.SHA256(raw)
	if err := l.txPool.Add(hash, raw); err != nil {
		if errors.Is(err, blockchain.ErrAlreadyInPool) {
			return hash, nil
		}
		return crypto.Hash{}, err
	}
	l.netPool.Broadcast(raw)
	return hash, nil
}

// LatestHeight implements pushapi.Chain.
func (l *Loop) LatestHeight() uint64 {
	schema, err := blockchain.NewSchema(l.db.Snapshot())
	if err != nil {
		return 0
	}
	h, _ := schema.Height()
	return h
}

// BlockRange implements pushapi.Chain.
func (l *Loop) BlockRange(latest uint64, count int, skipEmpty bool) []*blockchain.Block {
	schema, err := blockchain.NewSchema(l.db.Snapshot())
	if err != nil {
		return nil
	}
	var out []*blockchain.Block
	for h := latest; len(out) < count; {
		block, ok := schema.Block(h)
		if !ok {
			break
		}
		if !skipEmpty || block.TxCount > 0 {
			out = append(out, block)
		}
		if h == 0 {
			break
		}
		h--
	}
	return out
}

// TxStatus implements pushapi.Chain.
func (l *Loop) TxStatus(hash crypto.Hash) (string, *blockchain.TxLocation, *blockchain.TxResult, bool) {
	if _, ok := l.txPool.Get(hash); ok {
		return "in-pool", nil, nil, true
	}
	schema, err := blockchain.NewSchema(l.db.Snapshot())
	if err != nil {
		return "unknown", nil, nil, false
	}
	loc, ok := schema.TxLocation(hash)
	if !ok {
		return "unknown", nil, nil, false
	}
	result, _ := schema.TxResult(hash)
	return "committed", &loc, &result, false
}

// Run drives the event loop until Shutdown is called. It blocks the
// calling goroutine.
func (l *Loop) Run() {
	defer close(l.done)
	l.engine.Start()
	for {
		roundCh := l.engine.RoundTimerChan()
		proposeCh := l.engine.ProposeTimerChan()
		select {
		case <-l.shutdown:
			l.netPool.DisconnectAll()
			return
		case <-roundCh:
			l.engine.OnRoundTimeout()
		case <-proposeCh:
			l.engine.OnProposeTimeout()
		case ev := <-l.netPool.Events():
			l.handleNetworkEvent(ev)
		}
	}
}

func (l *Loop) handleNetworkEvent(ev network.Event) {
	switch ev.Kind {
	case network.EventMessageReceived:
		if err := l.engine.HandleEnvelope(ev.Message); err != nil {
			l.logger.Printf("dropping message from %s: %v", ev.Peer, err)
		}
	case network.EventPeerConnected:
		l.logger.Printf("peer connected: %s (%s)", ev.Peer, ev.Address)
	case network.EventPeerDisconnected:
		l.logger.Printf("peer disconnected: %s", ev.Peer)
	case network.EventUnableConnectToPeer:
		l.logger.Printf("unable to connect to peer: %s (%s)", ev.Peer, ev.Address)
	}
}

// Shutdown requests a cooperative stop: all connections close and Run
// returns once the current event finishes processing. Messages still
// waiting in the outgoing queues are dropped, not drained. In-flight
// block assembly is abandoned; the block is not committed.
func (l *Loop) Shutdown() {
	close(l.shutdown)
	<-l.done
}

// OnCommit is wired as the consensus.Engine's Config.OnCommit hook: it
// clears committed transactions from the pool and notifies the push API
// of their final status.
func (l *Loop) OnCommit(block *blockchain.Block, txHashes []crypto.Hash) {
	for _, h := range txHashes {
		l.txPool.Remove(h)
		if l.listener != nil {
			l.listener.NotifyCommitted(h)
		}
	}
}
