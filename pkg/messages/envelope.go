package messages

import (
	"encoding/binary"
	"fmt"

	"github.com/veritaschain/veritas/pkg/crypto"
)

// Envelope is a fully framed wire message: header, body (fixed fields
// plus the variable-segment area they reference), and a trailing
// signature covering everything before it (spec §4.F: "Signing covers
// the entire buffer up to the signature.").
type Envelope struct {
	Header    Header
	Body      []byte
	Signature crypto.Signature
	Author    crypto.PublicKey // not on the wire; supplied by the caller who knows which peer sent this
}

// Seal builds the final wire bytes for (header-without-length, body)
// signed by sk, filling in Length and Signature.
func Seal(networkID uint32, class Class, typ Type, body []byte, sk crypto.SecretKey) []byte {
	h := Header{
		ProtocolVersion: ProtocolVersion,
		NetworkID:       networkID,
		Class:           class,
		Type:            typ,
		Length:          uint32(HeaderSize + len(body) + crypto.SignatureSize),
	}
	buf := make([]byte, 0, int(h.Length))
	buf = append(buf, h.encode()...)
	buf = append(buf, body...)
	sig := sk.Sign(buf)
	buf = append(buf, sig[:]...)
	return buf
}

// Decode parses raw into an Envelope without checking the signature. It
// checks protocol/network match and that the declared length matches
// the buffer, and carves the trailing signature off the body, so the
// variable segments that each message's own Unmarshal bounds-checks
// against the body can never overlap the signature suffix. Decode does
// not check whether (class,type) names a known message type.
func Decode(raw []byte, expectedNetworkID uint32) (*Envelope, error) {
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.ProtocolVersion != ProtocolVersion || h.NetworkID != expectedNetworkID {
		return nil, fmt.Errorf("%w: got version %d network %d", ErrWrongProtocol, h.ProtocolVersion, h.NetworkID)
	}
	if int(h.Length) != len(raw) {
		return nil, fmt.Errorf("%w: header declares length %d, buffer is %d bytes", ErrMalformed, h.Length, len(raw))
	}
	if len(raw) < HeaderSize+crypto.SignatureSize {
		return nil, fmt.Errorf("%w: message shorter than header+signature", ErrMalformed)
	}
	bodyEnd := len(raw) - crypto.SignatureSize
	body := raw[HeaderSize:bodyEnd]
	var sig crypto.Signature
	copy(sig[:], raw[bodyEnd:])
	return &Envelope{Header: h, Body: body, Signature: sig}, nil
}

// VerifySignature checks the envelope's signature against author and
// the original raw bytes (signing covers the whole buffer up to the
// signature, so the caller passes the same raw buffer Decode consumed).
func VerifySignature(raw []byte, author crypto.PublicKey) error {
	if len(raw) < crypto.SignatureSize {
		return fmt.Errorf("%w: buffer shorter than a signature", ErrMalformed)
	}
	signed := raw[:len(raw)-crypto.SignatureSize]
	var sig crypto.Signature
	copy(sig[:], raw[len(raw)-crypto.SignatureSize:])
	if !crypto.Verify(author, signed, sig) {
		return ErrBadSignature
	}
	return nil
}

// segWriter accumulates a message body's variable-length segments past
// a fixed-size prefix, handing back (offset, length) descriptors that
// point into the eventual combined buffer (spec §4.F: "(offset_u32,
// length_u32) pair pointing into a segment area past the fixed body").
type segWriter struct {
	fixedSize int
	segs      []byte
}

func newSegWriter(fixedSize int) *segWriter {
	return &segWriter{fixedSize: fixedSize}
}

// put appends data to the segment area and returns its descriptor.
func (w *segWriter) put(data []byte) (offset, length uint32) {
	offset = uint32(w.fixedSize + len(w.segs))
	length = uint32(len(data))
	w.segs = append(w.segs, data...)
	return offset, length
}

// finish concatenates fixed (which must be exactly fixedSize bytes, with
// every descriptor already written into it) with the accumulated
// segment area.
func (w *segWriter) finish(fixed []byte) []byte {
	if len(fixed) != w.fixedSize {
		panic(fmt.Sprintf("messages: segWriter fixed size mismatch: declared %d, got %d", w.fixedSize, len(fixed)))
	}
	return append(fixed, w.segs...)
}

// segReader resolves (offset, length) descriptors against a decoded
// body, rejecting any descriptor that would read outside the body (spec
// §4.F: "variable segments lie within the buffer and do not overlap
// the signature suffix" — Decode already carves the signature off
// before body is handed to a segReader, so staying within body is
// sufficient).
type segReader struct {
	body []byte
}

func (r *segReader) get(offset, length uint32) ([]byte, error) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(r.body)) {
		return nil, fmt.Errorf("%w: variable segment [%d,%d) outside body of length %d", ErrMalformed, offset, end, len(r.body))
	}
	return r.body[offset:offset+length], nil
}

func writeDescriptor(buf []byte, offset, length uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], offset)
	binary.LittleEndian.PutUint32(buf[4:8], length)
}

func readDescriptor(buf []byte) (offset, length uint32) {
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8])
}

const descriptorSize = 8
