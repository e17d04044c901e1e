// Package wire defines the binary framing for inter-process messages. The
// header layout is fixed and versionless: two 32-bit PIDs, a 64-bit channel
// sequence, a 64-bit monotonic timestamp, an 8-bit flag set, a 32-bit message
// type, and a 32-bit payload length, all big-endian.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
	"github.com/Mindburn-Labs/keel/pkg/proc"
)

// HeaderSize is the fixed encoded size of a message header in bytes.
const HeaderSize = 4 + 4 + 8 + 8 + 1 + 4 + 4

// MaxPayloadSize bounds the payload length a header may declare.
const MaxPayloadSize = 16 << 20 // 16 MiB

// Type identifies the application-level meaning of a message.
type Type uint32

// Reserved message types. Types below TypeUserBase are owned by the runtime.
const (
	TypePing           Type = 0x0000_0001
	TypePong           Type = 0x0000_0002
	TypeAccrualRequest Type = 0x0000_0010
	TypeAccrualResp    Type = 0x0000_0011
	TypeAuditStart     Type = 0x0000_0020
	TypeAuditRecord    Type = 0x0000_0021
	TypeAuditEnd       Type = 0x0000_0022
	TypeShutdown       Type = 0x0000_00FF

	// TypeUserBase is the first type value available to modules.
	TypeUserBase Type = 0x0000_1000
)

// Reserved reports whether t is owned by the runtime.
func (t Type) Reserved() bool { return t < TypeUserBase }

func (t Type) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeAccrualRequest:
		return "ACCRUAL_REQUEST"
	case TypeAccrualResp:
		return "ACCRUAL_RESPONSE"
	case TypeAuditStart:
		return "AUDIT_START"
	case TypeAuditRecord:
		return "AUDIT_RECORD"
	case TypeAuditEnd:
		return "AUDIT_END"
	case TypeShutdown:
		return "SYSTEM_SHUTDOWN"
	default:
		return fmt.Sprintf("TYPE(0x%08X)", uint32(t))
	}
}

// Flags is the per-message flag byte.
type Flags uint8

const (
	// FlagAckRequested asks the receiver to reply with a delivery ack.
	FlagAckRequested Flags = 1 << 0
	// FlagCompressed marks the payload as compressed by the sender.
	FlagCompressed Flags = 1 << 1
	// FlagSystem marks a message originated by the kernel itself.
	FlagSystem Flags = 1 << 2
)

// Header is the decoded form of the fixed message preamble.
type Header struct {
	Source     proc.PID
	Dest       proc.PID
	Sequence   uint64
	Monotonic  uint64
	Flags      Flags
	Type       Type
	PayloadLen uint32
}

// Message is a header plus its payload.
type Message struct {
	Header  Header
	Payload []byte

	// PriorityHint orders delivery within a mailbox, 0 (lowest) to 7.
	// It travels out of band; the wire header does not carry it.
	PriorityHint uint8
}

// EncodeHeader writes h into buf, which must be at least HeaderSize bytes.
func EncodeHeader(buf []byte, h Header) error {
	if len(buf) < HeaderSize {
		return kernelerr.New(kernelerr.CodeMessageTooLarge, kernelerr.CategoryUser,
			"header buffer too small")
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Source))
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Dest))
	binary.BigEndian.PutUint64(buf[8:16], h.Sequence)
	binary.BigEndian.PutUint64(buf[16:24], h.Monotonic)
	buf[24] = byte(h.Flags)
	binary.BigEndian.PutUint32(buf[25:29], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[29:33], h.PayloadLen)
	return nil
}

// DecodeHeader parses a header from buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, kernelerr.New(kernelerr.CodeDeliveryFailed, kernelerr.CategoryUser,
			"short header: %d bytes", len(buf))
	}
	h := Header{
		Source:     proc.PID(binary.BigEndian.Uint32(buf[0:4])),
		Dest:       proc.PID(binary.BigEndian.Uint32(buf[4:8])),
		Sequence:   binary.BigEndian.Uint64(buf[8:16]),
		Monotonic:  binary.BigEndian.Uint64(buf[16:24]),
		Flags:      Flags(buf[24]),
		Type:       Type(binary.BigEndian.Uint32(buf[25:29])),
		PayloadLen: binary.BigEndian.Uint32(buf[29:33]),
	}
	if h.PayloadLen > MaxPayloadSize {
		return Header{}, kernelerr.New(kernelerr.CodeMessageTooLarge, kernelerr.CategoryUser,
			"declared payload %d exceeds limit %d", h.PayloadLen, MaxPayloadSize)
	}
	return h, nil
}

// Encode frames the message into a single byte slice.
func Encode(m Message) ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, kernelerr.New(kernelerr.CodeMessageTooLarge, kernelerr.CategoryUser,
			"payload %d exceeds limit %d", len(m.Payload), MaxPayloadSize)
	}
	m.Header.PayloadLen = uint32(len(m.Payload))
	buf := make([]byte, HeaderSize+len(m.Payload))
	if err := EncodeHeader(buf, m.Header); err != nil {
		return nil, err
	}
	copy(buf[HeaderSize:], m.Payload)
	return buf, nil
}

// Decode parses a framed message, verifying the declared payload length
// against the actual frame size.
func Decode(buf []byte) (Message, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Message{}, err
	}
	if uint32(len(buf)-HeaderSize) != h.PayloadLen {
		return Message{}, kernelerr.New(kernelerr.CodeDeliveryFailed, kernelerr.CategoryUser,
			"payload length mismatch: header says %d, frame has %d", h.PayloadLen, len(buf)-HeaderSize)
	}
	m := Message{Header: h}
	if h.PayloadLen > 0 {
		m.Payload = make([]byte, h.PayloadLen)
		copy(m.Payload, buf[HeaderSize:])
	}
	return m, nil
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return Message{}, err
	}
	m := Message{Header: h}
	if h.PayloadLen > 0 {
		m.Payload = make([]byte, h.PayloadLen)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, m Message) error {
	buf, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
