// Package messages implements the message layer of spec §4.F: a
// versioned, length-prefixed, signed binary wire format shared by every
// peer message, with variable-length fields addressed by (offset,
// length) descriptors into a trailing segment area rather than
// length-prefixed inline encoding.
//
// All integers are little-endian, per spec §6 ("Field layout is
// little-endian for integers").
package messages

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ProtocolVersion is the only wire protocol version this module speaks.
const ProtocolVersion uint8 = 1

// Class identifies the broad category of a message (spec §4.F.1 of
// SPEC_FULL.md): Service messages carry a transaction; Consensus
// messages carry one of the Propose/Prevote/Precommit/Status/Connect/
// RequestX variants.
type Class uint8

const (
	ClassService   Class = 0
	ClassConsensus Class = 1
)

func (c Class) String() string {
	switch c {
	case ClassService:
		return "service"
	case ClassConsensus:
		return "consensus"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Type identifies a specific message within its Class.
type Type uint8

// Service-class message types.
const (
	TypeTransaction Type = 0
)

// Consensus-class message types.
const (
	TypeConnect Type = iota
	TypePropose
	TypePrevote
	TypePrecommit
	TypeStatus
	TypeRequestPropose
	TypeRequestPrevotes
	TypeRequestTransactions
	TypeResponseTransactions
)

// HeaderSize is the fixed length in bytes of every message's header:
// protocol_version(1) | network_id(4) | class(1) | type(1) | length(4).
const HeaderSize = 1 + 4 + 1 + 1 + 4

// Header is the fixed prefix shared by every wire message (spec §4.F).
type Header struct {
	ProtocolVersion uint8
	NetworkID       uint32
	Class           Class
	Type            Type
	Length          uint32 // total message length, header through signature
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.ProtocolVersion
	binary.LittleEndian.PutUint32(buf[1:5], h.NetworkID)
	buf[5] = byte(h.Class)
	buf[6] = byte(h.Type)
	binary.LittleEndian.PutUint32(buf[7:11], h.Length)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrMalformed, HeaderSize, len(buf))
	}
	return Header{
		ProtocolVersion: buf[0],
		NetworkID:       binary.LittleEndian.Uint32(buf[1:5]),
		Class:           Class(buf[5]),
		Type:            Type(buf[6]),
		Length:          binary.LittleEndian.Uint32(buf[7:11]),
	}, nil
}

// ErrMalformed is returned by Decode/Verify for any structurally
// invalid message: short buffer, length mismatch, out-of-range
// variable segment, or invalid UTF-8 in a string field (spec §4.F
// "verifier checks").
var ErrMalformed = errors.New("messages: malformed message")

// ErrWrongProtocol is returned when a message's protocol version or
// network id does not match the receiver's expectation.
var ErrWrongProtocol = errors.New("messages: protocol or network mismatch")

// ErrUnknownType is returned when (class, type) names no known message.
var ErrUnknownType = errors.New("messages: unknown message type")

// ErrBadSignature is returned when the trailing signature does not
// verify against the claimed author.
var ErrBadSignature = errors.New("messages: invalid signature")

func checkUTF8(field, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: field %q is not valid UTF-8", ErrMalformed, field)
	}
	return nil
}
