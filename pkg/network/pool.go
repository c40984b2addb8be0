// Package network implements the peer transport component (G) of spec
// §4.G: a connect-list-gated connection pool over Noise-XK sessions,
// owned single-writer by the node's event loop (spec §5 "Shared
// resources": "The connection pool — single writer (event loop)").
package network

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/veritaschain/veritas/pkg/crypto"
	"github.com/veritaschain/veritas/pkg/network/noisetransport"
)

// ErrNotAllowed is returned when a public key is not present in the
// current connect list (spec §4.G "Policy").
var ErrNotAllowed = errors.New("network: public key not in connect list")

// ErrOutboundCapacity is returned by Connect when the number of live
// peers has reached MaxOutgoingConnections.
var ErrOutboundCapacity = errors.New("network: outbound connection capacity reached")

// ErrInboundCapacity is returned by Adopt when the number of live peers
// has reached MaxIncomingConnections+MaxOutgoingConnections.
var ErrInboundCapacity = errors.New("network: inbound connection capacity reached")

// ErrQueueOverflow names a full outgoing queue. No pool method returns
// it: SendTo has no return value and disconnects the peer instead.
var ErrQueueOverflow = errors.New("network: outgoing queue overflow")

// Config bounds the pool's admission and retry policy, named directly
// after spec §4.G's policy bullets.
type Config struct {
	MaxOutgoingConnections int
	MaxIncomingConnections int
	OutgoingQueueDepth     int
	TCPConnectMaxRetries   int
	RedialBaseDelay        time.Duration
	RedialMaxDelay         time.Duration
}

// EventKind distinguishes the four events spec §4.G says are emitted to
// consensus.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
	EventUnableConnectToPeer
	EventMessageReceived
)

// Event is a transport notification delivered to the node's inbound
// event channel (spec §4.G "Events emitted to consensus").
type Event struct {
	Kind    EventKind
	Peer    crypto.PublicKey
	Address string
	Message []byte // set only for EventMessageReceived
}

type peerConn struct {
	conn    *noisetransport.Conn
	outbox  chan []byte
	cancel  context.CancelFunc
	address string
}

// Pool is the single-writer connect-list-gated connection pool. All
// exported methods are intended to be called only from the node's
// event-loop goroutine; the read-side connect-list check is safe from
// other goroutines since it only reads an immutable snapshot.
type Pool struct {
	mu         sync.Mutex
	cfg        Config
	connectSet map[crypto.PublicKey]string // pubkey -> known address
	peers      map[crypto.PublicKey]*peerConn
	events     chan Event
	backoff    map[crypto.PublicKey]time.Duration
	self       noisetransport.DialerConfig
}

// NewPool returns a Pool with the given connect list (validator pubkey
// -> dial address) and static keys for outbound handshakes.
func NewPool(cfg Config, connectList map[crypto.PublicKey]string, staticPrivate, staticPublic []byte) *Pool {
	return &Pool{
		cfg:        cfg,
		connectSet: connectList,
		peers:      make(map[crypto.PublicKey]*peerConn),
		events:     make(chan Event, 256),
		backoff:    make(map[crypto.PublicKey]time.Duration),
		self:       noisetransport.DialerConfig{StaticPrivate: staticPrivate, StaticPublic: staticPublic},
	}
}

// Events returns the channel the node's event loop selects on to learn
// about transport-level occurrences.
func (p *Pool) Events() <-chan Event { return p.events }

// IsAllowed reports whether pubkey is present in the current connect
// list (spec §4.G "Policy": "Reject connections from public keys not
// present in the current connect list").
func (p *Pool) IsAllowed(pubkey crypto.PublicKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.connectSet[pubkey]
	return ok
}

// Connect dials peer at its known address, retrying with bounded
// exponential-with-jitter backoff up to TCPConnectMaxRetries (spec
// §4.G "Retries on failed dials"). Runs its own goroutine; results
// surface as Events, never as a direct return to the caller, since the
// event loop must never block on network I/O. The capacity check
// compares MaxOutgoingConnections with the number of all live peers,
// inbound and outbound alike: the pool does not track connection
// direction, and dials still in progress are not counted.
func (p *Pool) Connect(peer crypto.PublicKey) error {
	p.mu.Lock()
	if len(p.peers) >= p.cfg.MaxOutgoingConnections {
		p.mu.Unlock()
		return ErrOutboundCapacity
	}
	addr, ok := p.connectSet[peer]
	p.mu.Unlock()
	if !ok {
		return ErrNotAllowed
	}
	go p.dialWithRetry(peer, addr)
	return nil
}

func (p *Pool) dialWithRetry(peer crypto.PublicKey, addr string) {
	delay := p.cfg.RedialBaseDelay
	for attempt := 0; attempt <= p.cfg.TCPConnectMaxRetries; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err == nil {
			nconn, herr := noisetransport.Dial(conn, noisetransport.DialerConfig{
				StaticPrivate: p.self.StaticPrivate,
				StaticPublic:  p.self.StaticPublic,
				RemoteStatic:  peer[:],
			})
			if herr == nil {
				p.adopt(peer, addr, nconn)
				return
			}
			conn.Close()
		}
		if attempt == p.cfg.TCPConnectMaxRetries {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(delay) + 1))
		time.Sleep(delay + jitter)
		delay *= 2
		if delay > p.cfg.RedialMaxDelay {
			delay = p.cfg.RedialMaxDelay
		}
	}
	p.events <- Event{Kind: EventUnableConnectToPeer, Peer: peer, Address: addr}
}

// Adopt registers an already-handshaked inbound connection, after the
// listener has verified isAllowed. It closes the connection and returns
// ErrInboundCapacity when the number of live peers, inbound and
// outbound alike, has reached MaxIncomingConnections+
// MaxOutgoingConnections; inbound connections are not counted
// separately.
func (p *Pool) Adopt(peer crypto.PublicKey, addr string, conn *noisetransport.Conn) error {
	p.mu.Lock()
	if len(p.peers) >= p.cfg.MaxIncomingConnections+p.cfg.MaxOutgoingConnections {
		p.mu.Unlock()
		conn.Close()
		return ErrInboundCapacity
	}
	p.mu.Unlock()
	p.adopt(peer, addr, conn)
	return nil
}

func (p *Pool) adopt(peer crypto.PublicKey, addr string, conn *noisetransport.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	pc := &peerConn{conn: conn, outbox: make(chan []byte, p.cfg.OutgoingQueueDepth), cancel: cancel, address: addr}
	p.mu.Lock()
	p.peers[peer] = pc
	p.mu.Unlock()
	go p.writeLoop(ctx, peer, pc)
	go p.readLoop(ctx, peer, pc)
	p.events <- Event{Kind: EventPeerConnected, Peer: peer, Address: addr}
}

func (p *Pool) writeLoop(ctx context.Context, peer crypto.PublicKey, pc *peerConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-pc.outbox:
			if err := pc.conn.WriteFrame(msg); err != nil {
				p.disconnect(peer, pc)
				return
			}
		}
	}
}

func (p *Pool) readLoop(ctx context.Context, peer crypto.PublicKey, pc *peerConn) {
	for {
		msg, err := pc.conn.ReadFrame()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				p.disconnect(peer, pc)
			}
			return
		}
		p.events <- Event{Kind: EventMessageReceived, Peer: peer, Message: msg}
	}
}

func (p *Pool) disconnect(peer crypto.PublicKey, pc *peerConn) {
	p.mu.Lock()
	if p.peers[peer] == pc {
		delete(p.peers, peer)
	}
	p.mu.Unlock()
	pc.cancel()
	pc.conn.Close()
	p.events <- Event{Kind: EventPeerDisconnected, Peer: peer}
}

// SendTo enqueues raw on peer's outgoing queue. On overflow the
// connection is terminated; the peer is not marked unreachable and can
// be dialed or adopted again at once.
func (p *Pool) SendTo(peer crypto.PublicKey, raw []byte) {
	p.mu.Lock()
	pc, ok := p.peers[peer]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.outbox <- raw:
	default:
		p.disconnect(peer, pc)
	}
}

// Broadcast enqueues raw on every connected peer's outgoing queue.
func (p *Pool) Broadcast(raw []byte) {
	p.mu.Lock()
	peers := make([]crypto.PublicKey, 0, len(p.peers))
	for peer := range p.peers {
		peers = append(peers, peer)
	}
	p.mu.Unlock()
	for _, peer := range peers {
		p.SendTo(peer, raw)
	}
}

// Disconnect tears down the connection to peer, if any.
func (p *Pool) Disconnect(peer crypto.PublicKey) {
	p.mu.Lock()
	pc, ok := p.peers[peer]
	p.mu.Unlock()
	if ok {
		p.disconnect(peer, pc)
	}
}

// DisconnectAll tears down every live connection, for cooperative
// shutdown (spec §5 "Cancellation": "closes all connections").
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	peers := make([]crypto.PublicKey, 0, len(p.peers))
	for peer := range p.peers {
		peers = append(peers, peer)
	}
	p.mu.Unlock()
	for _, peer := range peers {
		p.Disconnect(peer)
	}
}
