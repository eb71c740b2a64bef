package peer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gopherlabs/bittorrent-core/corerr"
)

// MessageType identifies the nine peer wire protocol message kinds.
type MessageType uint8

const (
	MsgChoke MessageType = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
)

// BlockSize is the standard request/piece block length this client uses.
const BlockSize = 1 << 14

// Message is one length-prefixed peer wire message: a type byte plus an
// optional payload.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Encode serialises msg as length-prefix + type + payload.
func (m Message) Encode() []byte {
	payLen := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+payLen)
	binary.BigEndian.PutUint32(buf, payLen)
	buf[4] = byte(m.Type)
	copy(buf[5:], m.Payload)
	return buf
}

// KeepAlive is the zero-length keepalive frame: a 4-byte zero length
// prefix with no type byte and no payload.
func KeepAlive() []byte {
	return make([]byte, 4)
}

// ReadMessage reads one frame from r, transparently skipping keepalive
// frames (zero-length prefix) and returning the first real message.
func ReadMessage(r io.Reader) (Message, error) {
	lenBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return Message{}, corerr.New(corerr.Io, "read message", err)
		}
		msgLen := binary.BigEndian.Uint32(lenBuf)
		if msgLen == 0 {
			continue // keepalive
		}
		body := make([]byte, msgLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return Message{}, corerr.New(corerr.Io, "read message", err)
		}
		return Message{Type: MessageType(body[0]), Payload: body[1:]}, nil
	}
}

func simple(t MessageType) []byte {
	return Message{Type: t}.Encode()
}

// Choke, Unchoke, Interested and NotInterested are the four zero-payload
// state-change messages.
func Choke() []byte         { return simple(MsgChoke) }
func Unchoke() []byte       { return simple(MsgUnchoke) }
func Interested() []byte    { return simple(MsgInterested) }
func NotInterested() []byte { return simple(MsgNotInterested) }

// Have announces that piece index has been fully downloaded and verified.
func Have(index int) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return Message{Type: MsgHave, Payload: payload}.Encode()
}

// BitfieldMessage announces which pieces the sender already has.
func BitfieldMessage(bf Bitfield) []byte {
	return Message{Type: MsgBitfield, Payload: bf}.Encode()
}

// Request asks for a block at [begin, begin+length) of piece index.
func Request(index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return Message{Type: MsgRequest, Payload: payload}.Encode()
}

// PieceBlock carries a downloaded block at [begin, begin+len(data)) of
// piece index.
func PieceBlock(index, begin int, data []byte) []byte {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], data)
	return Message{Type: MsgPiece, Payload: payload}.Encode()
}

// Cancel withdraws a previously sent request.
func Cancel(index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return Message{Type: MsgCancel, Payload: payload}.Encode()
}

// RequestPayload is the parsed payload of a request or cancel message.
type RequestPayload struct {
	Index, Begin, Length int
}

// ParseRequestPayload parses a request/cancel message's 12-byte payload.
func ParseRequestPayload(payload []byte) (RequestPayload, error) {
	if len(payload) != 12 {
		return RequestPayload{}, corerr.New(corerr.ProtocolViolation, "parse request", fmt.Errorf("expected 12-byte payload, got %d", len(payload)))
	}
	return RequestPayload{
		Index:  int(binary.BigEndian.Uint32(payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
		Length: int(binary.BigEndian.Uint32(payload[8:12])),
	}, nil
}

// PiecePayload is the parsed payload of a piece message.
type PiecePayload struct {
	Index, Begin int
	Data         []byte
}

// ParsePiecePayload parses a piece message's payload.
func ParsePiecePayload(payload []byte) (PiecePayload, error) {
	if len(payload) < 8 {
		return PiecePayload{}, corerr.New(corerr.ProtocolViolation, "parse piece", fmt.Errorf("expected at least 8-byte payload, got %d", len(payload)))
	}
	return PiecePayload{
		Index: int(binary.BigEndian.Uint32(payload[0:4])),
		Begin: int(binary.BigEndian.Uint32(payload[4:8])),
		Data:  payload[8:],
	}, nil
}

// ParseHavePayload parses a have message's 4-byte payload.
func ParseHavePayload(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, corerr.New(corerr.ProtocolViolation, "parse have", fmt.Errorf("expected 4-byte payload, got %d", len(payload)))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}
