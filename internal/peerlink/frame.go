package peerlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame header layout
const (
	HeaderLen = 14

	headerCheck     byte = 0xff
	headerOffCheck       = 0
	headerOffOp          = 1
	headerOffLen         = 2
	headerOffProto       = 10

	// MaxPeerIDLen bounds the identity string carried by a PEERID frame
	MaxPeerIDLen = 100
)

// Opcode identifies the kind of frame
type Opcode byte

const (
	OpPeerID Opcode = 1
	OpData   Opcode = 2
	// OpClose is reserved and ignored on receipt
	OpClose Opcode = 3
)

func (o Opcode) String() string {
	switch o {
	case OpPeerID:
		return "PEERID"
	case OpData:
		return "DATA"
	case OpClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("OP(%d)", byte(o))
	}
}

// FrameHeader is the fixed-size header preceding every payload
type FrameHeader struct {
	Op       Opcode
	Length   int64
	Protocol uint32
}

// Encode writes the header into buf, which must be at least HeaderLen long
func (h FrameHeader) Encode(buf []byte) {
	buf[headerOffCheck] = headerCheck
	buf[headerOffOp] = byte(h.Op)
	binary.BigEndian.PutUint64(buf[headerOffLen:], uint64(h.Length))
	binary.BigEndian.PutUint32(buf[headerOffProto:], h.Protocol)
}

// DecodeHeader parses a header. It fails with ErrProtocol if the check
// byte is wrong or the length is negative.
func DecodeHeader(buf []byte) (FrameHeader, error) {
	if len(buf) < HeaderLen {
		return FrameHeader{}, fmt.Errorf("%w: short header (%d bytes)", ErrProtocol, len(buf))
	}
	if buf[headerOffCheck] != headerCheck {
		return FrameHeader{}, fmt.Errorf("%w: message doesn't start with %#x", ErrProtocol, headerCheck)
	}
	h := FrameHeader{
		Op:       Opcode(buf[headerOffOp]),
		Length:   int64(binary.BigEndian.Uint64(buf[headerOffLen:])),
		Protocol: binary.BigEndian.Uint32(buf[headerOffProto:]),
	}
	if h.Length < 0 {
		return FrameHeader{}, fmt.Errorf("%w: negative length %d", ErrProtocol, h.Length)
	}
	return h, nil
}

// WriteHeader writes one encoded header to w
func WriteHeader(w io.Writer, h FrameHeader) error {
	var buf [HeaderLen]byte
	h.Encode(buf[:])
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads one header from r. It returns io.EOF if the stream
// ended cleanly before the header, and an ErrProtocol error if it ended
// inside the header.
func ReadHeader(r io.Reader) (FrameHeader, error) {
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return FrameHeader{}, fmt.Errorf("%w: connection closed in middle of header", ErrProtocol)
		}
		return FrameHeader{}, err
	}
	return DecodeHeader(buf[:])
}

// WritePeerID writes a PEERID frame carrying id
func WritePeerID(w io.Writer, id string) error {
	if len(id) == 0 || len(id) > MaxPeerIDLen {
		return fmt.Errorf("peer id length %d out of range", len(id))
	}
	if err := WriteHeader(w, FrameHeader{Op: OpPeerID, Length: int64(len(id))}); err != nil {
		return err
	}
	_, err := io.WriteString(w, id)
	return err
}

// ReadPeerIDPayload reads the identity string following a PEERID header
func ReadPeerIDPayload(r io.Reader, h FrameHeader) (string, error) {
	if h.Length > MaxPeerIDLen {
		return "", fmt.Errorf("%w: peer id too long: %d", ErrProtocol, h.Length)
	}
	if h.Length == 0 {
		return "", fmt.Errorf("%w: no data in peer id message", ErrProtocol)
	}
	buf := make([]byte, h.Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", payloadErr(err)
	}
	return string(buf), nil
}

// WriteData writes a DATA frame whose payload is the next length bytes of src
func WriteData(w io.Writer, protocol uint32, length int64, src io.Reader) (int64, error) {
	if err := WriteHeader(w, FrameHeader{Op: OpData, Length: length, Protocol: protocol}); err != nil {
		return 0, err
	}
	n, err := io.CopyN(w, src, length)
	if err != nil && errors.Is(err, io.EOF) {
		err = fmt.Errorf("message body shorter than its size: %d < %d", n, length)
	}
	return n, err
}

// payloadErr maps a short read of a payload to a protocol error
func payloadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: connection closed in middle of message", ErrProtocol)
	}
	return err
}
