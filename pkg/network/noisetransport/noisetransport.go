// Package noisetransport wraps a net.Conn with a Noise_XK_25519_
// ChaChaPoly_SHA256 handshake and, once it completes, transparent
// per-message encryption over the framed connection (spec §4.G:
// "Handshake: Noise-XK-style with the static public key of the remote
// validator as the known identity").
package noisetransport

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/flynn/noise"

	"github.com/veritaschain/veritas/pkg/network/framing"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// ErrPeerMismatch is returned on the responder side when the
// initiator's static key, learned during the handshake, is rejected by
// the caller's isAllowed check.
var ErrPeerMismatch = errors.New("noisetransport: remote static key does not match expected identity")

// Conn is a net.Conn wrapped with a completed Noise-XK handshake: every
// WriteFrame encrypts one frame, every ReadFrame decrypts one frame.
// Read and Write are those of the embedded net.Conn and carry raw,
// unencrypted bytes.
type Conn struct {
	net.Conn
	send *noise.CipherState
	recv *noise.CipherState
	// RemoteStatic is the peer's static public key, established by the
	// handshake (spec §4.G: "the first payload after handshake must be a
	// Connect message whose author's public key matches the handshake
	// identity" — callers compare RemoteStatic against that author).
	RemoteStatic []byte
}

// DialerConfig configures the initiator side of a handshake (we know
// the remote's static key in advance, as XK requires).
type DialerConfig struct {
	StaticPrivate []byte // this node's static private key (32 bytes, X25519)
	StaticPublic  []byte // this node's static public key
	RemoteStatic  []byte // the expected remote static public key
}

// ListenerConfig configures the responder side of a handshake.
type ListenerConfig struct {
	StaticPrivate []byte
	StaticPublic  []byte
}

// Dial performs the initiator side of Noise_XK over conn, which must
// already be an established TCP (or similar) connection.
func Dial(conn net.Conn, cfg DialerConfig) (*Conn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXK,
		Initiator:     true,
		StaticKeypair: noise.DHKey{Private: cfg.StaticPrivate, Public: cfg.StaticPublic},
		PeerStatic:    cfg.RemoteStatic,
	})
	if err != nil {
		return nil, fmt.Errorf("noisetransport: initializing handshake: %w", err)
	}
	// XK is three messages: -> e, es; <- e, ee; -> s, se.
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noisetransport: writing message 1: %w", err)
	}
	if err := framing.WriteFrame(conn, msg1); err != nil {
		return nil, err
	}
	raw2, err := framing.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, raw2); err != nil {
		return nil, fmt.Errorf("noisetransport: reading message 2: %w", err)
	}
	msg3, send, recv, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noisetransport: writing message 3: %w", err)
	}
	if err := framing.WriteFrame(conn, msg3); err != nil {
		return nil, err
	}
	if send == nil || recv == nil {
		return nil, fmt.Errorf("noisetransport: handshake did not complete in 3 messages")
	}
	return &Conn{Conn: conn, send: send, recv: recv, RemoteStatic: cfg.RemoteStatic}, nil
}

// Accept performs the responder side of Noise_XK over conn, verifying
// the dialer's static key is admitted by isAllowed (spec §4.G: "Reject
// connections from public keys not present in the current connect
// list").
func Accept(conn net.Conn, cfg ListenerConfig, isAllowed func(remoteStatic []byte) bool) (*Conn, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXK,
		Initiator:     false,
		StaticKeypair: noise.DHKey{Private: cfg.StaticPrivate, Public: cfg.StaticPublic},
	})
	if err != nil {
		return nil, fmt.Errorf("noisetransport: initializing handshake: %w", err)
	}
	raw1, err := framing.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, raw1); err != nil {
		return nil, fmt.Errorf("noisetransport: reading message 1: %w", err)
	}
	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noisetransport: writing message 2: %w", err)
	}
	if err := framing.WriteFrame(conn, msg2); err != nil {
		return nil, err
	}
	raw3, err := framing.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	_, recv, send, err := hs.ReadMessage(nil, raw3)
	if err != nil {
		return nil, fmt.Errorf("noisetransport: reading message 3: %w", err)
	}
	remoteStatic := hs.PeerStatic()
	if !isAllowed(remoteStatic) {
		conn.Close()
		return nil, fmt.Errorf("%w: %x", ErrPeerMismatch, remoteStatic)
	}
	if send == nil || recv == nil {
		return nil, fmt.Errorf("noisetransport: handshake did not complete in 3 messages")
	}
	return &Conn{Conn: conn, send: send, recv: recv, RemoteStatic: remoteStatic}, nil
}

// WriteFrame encrypts payload under the session's send key and writes
// it as one length-prefixed frame.
func (c *Conn) WriteFrame(payload []byte) error {
	ciphertext := c.send.Encrypt(nil, nil, payload)
	return framing.WriteFrame(c.Conn, ciphertext)
}

// ReadFrame reads one length-prefixed frame and decrypts it under the
// session's receive key.
func (c *Conn) ReadFrame() ([]byte, error) {
	ciphertext, err := framing.ReadFrame(c.Conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, err
	}
	plaintext, err := c.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("noisetransport: decrypting frame: %w", err)
	}
	return plaintext, nil
}
