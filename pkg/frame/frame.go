// Package frame implements the data-link protocol's on-wire frame: the
// address/control bit-packing, byte stuffing, CRC placement, and the I/S/U
// frame classification. It is a pure codec with no connection state —
// reading and driving the stream of frames is pkg/stream's and pkg/link's
// job.
package frame

import (
	"errors"
	"fmt"

	"github.com/tidemark/dlp/pkg/crc"
)

// Wire-level constants, fixed by compatibility with the firmware source.
const (
	Delimiter = 0x7D // SOT == EOT
	Escape    = 0x7C

	MaxRawFrame = 510 // bytes between delimiters, including address/control/CRC
	MaxIData    = MaxRawFrame - 1 - 1 - 2
)

// Peer addresses. The core only ever sees these two.
const (
	Master uint8 = 0
	Slave  uint8 = 1
)

// Kind is the frame's tag, determined by the low control bits.
type Kind uint8

const (
	KindI Kind = iota
	KindS
	KindU
)

func (k Kind) String() string {
	switch k {
	case KindI:
		return "I"
	case KindS:
		return "S"
	case KindU:
		return "U"
	default:
		return "?"
	}
}

// SType is the supervisory-frame subtype.
type SType uint8

const (
	SAck  SType = 0
	SNack SType = 2
)

// UType is the unnumbered-frame subtype, a 5-bit value split across the
// control byte's low and high nibbles on the wire.
type UType uint8

const (
	UConnect       UType = 1
	UConnectAck    UType = 2
	UConnectNack   UType = 3
	UDisconnect    UType = 5
	UDisconnectAck UType = 6
	UGenericError  UType = 8
	USeqReset      UType = 9
)

var uTypeNames = map[UType]string{
	UConnect:       "CONNECT",
	UConnectAck:    "CONNECT_ACK",
	UConnectNack:   "CONNECT_NACK",
	UDisconnect:    "DISCONNECT",
	UDisconnectAck: "DISCONNECT_ACK",
	UGenericError:  "GENERIC_ERROR",
	USeqReset:      "SEQ_RESET",
}

func (u UType) String() string {
	if s, ok := uTypeNames[u]; ok {
		return s
	}
	return fmt.Sprintf("UTYPE(%d)", uint8(u))
}

var (
	ErrFrameTooShort          = errors.New("frame: body shorter than minimum length")
	ErrUnknownControlClass    = errors.New("frame: unknown control-field class")
	ErrCRCMismatch            = errors.New("frame: crc mismatch")
	Err8BitAddressUnsupported = errors.New("frame: 8-bit address form is not supported")
)

// Frame is the parsed, typed representation of one on-wire frame.
type Frame struct {
	Address uint8 // MASTER or SLAVE
	Kind    Kind

	TxSeq uint8 // I-frame only, 3 bits
	RxSeq uint8 // I-frame and S-frame, 3 bits

	SType SType // S-frame only
	UType UType // U-frame only

	Data []byte // I-frame only; always empty for S/U
	CRC  uint16 // reported CRC, set by Unmarshal; Marshal computes its own and ignores this field
}

// NewI builds an I-frame with the given sequence numbers and payload.
func NewI(address, txSeq, rxSeq uint8, data []byte) Frame {
	return Frame{Address: address, Kind: KindI, TxSeq: txSeq & 0x7, RxSeq: rxSeq & 0x7, Data: data}
}

// NewS builds a supervisory ACK/NACK frame.
func NewS(address uint8, t SType, rxSeq uint8) Frame {
	return Frame{Address: address, Kind: KindS, SType: t, RxSeq: rxSeq & 0x7}
}

// NewU builds an unnumbered control frame.
func NewU(address uint8, t UType) Frame {
	return Frame{Address: address, Kind: KindU, UType: t}
}

func packAddress(addr uint8) byte {
	return (addr & 0x7F) << 1 // bit0 (is_8bit_inverted) always 0
}

func unpackAddress(b byte) (uint8, error) {
	if b&0x01 != 0 {
		return 0, Err8BitAddressUnsupported
	}
	return (b >> 1) & 0x7F, nil
}

func packControlI(txSeq, rxSeq uint8) byte {
	return (txSeq&0x7)<<1 | (rxSeq&0x7)<<5
}

func unpackControlI(b byte) (txSeq, rxSeq uint8) {
	return (b >> 1) & 0x7, (b >> 5) & 0x7
}

// packControlS places the 3-bit type field at bits 1..3. Both defined
// S-types (ACK=0, NACK=2) are even, so their low bit is always 0 — which is
// what keeps bits 0..1 reading as the class tag "01" the classifier expects.
func packControlS(t SType, rxSeq uint8) byte {
	return 0x01 | (uint8(t)&0x7)<<1 | (rxSeq&0x7)<<5
}

func unpackControlS(b byte) (t SType, rxSeq uint8) {
	return SType((b >> 1) & 0x7), (b >> 5) & 0x7
}

func packControlU(t UType) byte {
	lsb := uint8(t) & 0x3
	msb := (uint8(t) >> 2) & 0x7
	return 0x03 | lsb<<2 | msb<<5
}

func unpackControlU(b byte) UType {
	lsb := (b >> 2) & 0x3
	msb := (b >> 5) & 0x7
	return UType(lsb | msb<<2)
}

// classify reports the frame kind carried by a control byte, per the
// classification rule in §4.2: bit 0 clear is an I-frame, otherwise bits 0-1
// select S (01) or U (11).
func classify(control byte) (Kind, error) {
	if control&0x01 == 0 {
		return KindI, nil
	}
	switch control & 0x03 {
	case 0x01:
		return KindS, nil
	case 0x03:
		return KindU, nil
	default:
		return 0, ErrUnknownControlClass
	}
}

// Marshal produces the unstuffed on-wire body: address, control, data (I
// frames only), CRC-hi, CRC-lo. The CRC covers address, control, and data —
// never the two CRC bytes themselves.
func Marshal(f Frame) ([]byte, error) {
	addr := packAddress(f.Address)

	var control byte
	var data []byte
	switch f.Kind {
	case KindI:
		control = packControlI(f.TxSeq, f.RxSeq)
		data = f.Data
		if len(data) > MaxIData {
			return nil, fmt.Errorf("frame: i-frame data length %d exceeds capacity %d", len(data), MaxIData)
		}
	case KindS:
		control = packControlS(f.SType, f.RxSeq)
	case KindU:
		control = packControlU(f.UType)
	default:
		return nil, fmt.Errorf("frame: unknown kind %d", f.Kind)
	}

	body := make([]byte, 0, 2+len(data)+2)
	body = append(body, addr, control)
	body = append(body, data...)

	var c crc.CRC16
	c.Bytes(body)
	body = append(body, byte(c>>8), byte(c))
	return body, nil
}

// Unmarshal parses an unstuffed on-wire body back into a Frame. The CRC
// field is always populated with the value embedded on the wire; the caller
// (pkg/stream's Decoder) is responsible for recomputing and comparing it against the
// stream's running CRC — Unmarshal itself only enforces structural
// validity (minimum length, known control class).
func Unmarshal(body []byte) (Frame, error) {
	if len(body) < 4 {
		return Frame{}, ErrFrameTooShort
	}

	addr, err := unpackAddress(body[0])
	if err != nil {
		return Frame{}, err
	}
	control := body[1]
	kind, err := classify(control)
	if err != nil {
		return Frame{}, err
	}

	reportedCRC := uint16(body[len(body)-2])<<8 | uint16(body[len(body)-1])

	f := Frame{Address: addr, Kind: kind, CRC: reportedCRC}
	switch kind {
	case KindI:
		f.TxSeq, f.RxSeq = unpackControlI(control)
		f.Data = body[2 : len(body)-2]
	case KindS:
		f.SType, f.RxSeq = unpackControlS(control)
	case KindU:
		f.UType = unpackControlU(control)
	}
	return f, nil
}

// Stuff applies the byte-stuffing rule to body, escaping every literal
// Delimiter or Escape byte.
func Stuff(body []byte) []byte {
	out := make([]byte, 0, len(body)+4)
	for _, b := range body {
		if b == Delimiter || b == Escape {
			out = append(out, Escape, b^Escape)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// Unstuff reverses Stuff. It is a pure, batch counterpart to the byte-at-a-
// time unstuffing pkg/stream performs while a frame is still arriving; it
// exists so the codec's stuff/unstuff law can be tested independently of
// the streaming decoder's state machine.
func Unstuff(stuffed []byte) ([]byte, error) {
	out := make([]byte, 0, len(stuffed))
	escaped := false
	for _, b := range stuffed {
		if escaped {
			out = append(out, b^Escape)
			escaped = false
			continue
		}
		if b == Escape {
			escaped = true
			continue
		}
		out = append(out, b)
	}
	if escaped {
		return nil, errors.New("frame: truncated escape sequence")
	}
	return out, nil
}

// Encode serializes f into a full on-wire frame: SOT, stuffed body, EOT.
func Encode(f Frame) ([]byte, error) {
	body, err := Marshal(f)
	if err != nil {
		return nil, err
	}
	stuffed := Stuff(body)
	out := make([]byte, 0, len(stuffed)+2)
	out = append(out, Delimiter)
	out = append(out, stuffed...)
	out = append(out, Delimiter)
	return out, nil
}
