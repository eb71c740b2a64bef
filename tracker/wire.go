// Package tracker implements the UDP tracker protocol (BEP 15): the
// connect/announce handshake and compact peer list decoding.
package tracker

import (
	"encoding/binary"
	"fmt"

	"github.com/gopherlabs/bittorrent-core/corerr"
)

// protocolID is the UDP tracker protocol's fixed magic connection ID used
// on the initial connect request.
const protocolID uint64 = 0x41727101980

// action identifies which UDP tracker request/response pair a packet is.
type action uint32

const (
	actionConnect action = iota
	actionAnnounce
	actionScrape
	actionError
)

const (
	connectRequestSize  = 16
	connectResponseSize = 16
	announceRequestSize = 98
	announceRespHeader  = 20
	peerRecordSize      = 6 // 4 bytes IPv4 + 2 bytes port
)

// encodeConnectRequest builds the 16-byte connect request, field by field,
// per BEP 15: no struct-reinterpretation, every field is written at its
// exact offset with explicit byte order.
func encodeConnectRequest(transactionID uint32) []byte {
	req := make([]byte, connectRequestSize)
	binary.BigEndian.PutUint64(req[0:], protocolID)
	binary.BigEndian.PutUint32(req[8:], uint32(actionConnect))
	binary.BigEndian.PutUint32(req[12:], transactionID)
	return req
}

// decodeConnectResponse validates and extracts the connection ID from a
// connect response, checking the action and transaction ID match.
func decodeConnectResponse(res []byte, wantTransactionID uint32) (connectionID uint64, err error) {
	if len(res) < connectResponseSize {
		return 0, corerr.New(corerr.ProtocolViolation, "connect response", fmt.Errorf("response too short: %d bytes", len(res)))
	}
	gotAction := action(binary.BigEndian.Uint32(res[0:4]))
	gotTransactionID := binary.BigEndian.Uint32(res[4:8])
	if gotAction != actionConnect {
		return 0, corerr.New(corerr.ProtocolViolation, "connect response", fmt.Errorf("unexpected action %d", gotAction))
	}
	if gotTransactionID != wantTransactionID {
		return 0, corerr.New(corerr.ProtocolViolation, "connect response", fmt.Errorf("transaction id mismatch"))
	}
	return binary.BigEndian.Uint64(res[8:16]), nil
}

// announceParams are the fields the client fills in an announce request.
type announceParams struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      [20]byte
	PeerID        [20]byte
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         uint32
	IP            uint32
	Key           uint32
	NumWant       int32
	Port          uint16
}

// encodeAnnounceRequest builds the 98-byte announce request per BEP 15's
// fixed field layout.
func encodeAnnounceRequest(p announceParams) []byte {
	req := make([]byte, announceRequestSize)
	binary.BigEndian.PutUint64(req[0:], p.ConnectionID)
	binary.BigEndian.PutUint32(req[8:], uint32(actionAnnounce))
	binary.BigEndian.PutUint32(req[12:], p.TransactionID)
	copy(req[16:36], p.InfoHash[:])
	copy(req[36:56], p.PeerID[:])
	binary.BigEndian.PutUint64(req[56:], p.Downloaded)
	binary.BigEndian.PutUint64(req[64:], p.Left)
	binary.BigEndian.PutUint64(req[72:], p.Uploaded)
	binary.BigEndian.PutUint32(req[80:], p.Event)
	binary.BigEndian.PutUint32(req[84:], p.IP)
	binary.BigEndian.PutUint32(req[88:], p.Key)
	binary.BigEndian.PutUint32(req[92:], uint32(p.NumWant))
	binary.BigEndian.PutUint16(req[96:], p.Port)
	return req
}

// announceResult is the decoded body of an announce response.
type announceResult struct {
	Interval int32
	Leechers int32
	Seeders  int32
	Peers    []Peer
}

// Peer is one compact peer record: an IPv4 address and port.
type Peer struct {
	IP   [4]byte
	Port uint16
}

// decodeAnnounceResponse validates the header and decodes the compact
// peer list, discarding every zero-valued record (0.0.0.0:0, a padding
// artifact some trackers emit, not a real peer) wherever it appears.
func decodeAnnounceResponse(res []byte, wantTransactionID uint32) (announceResult, error) {
	if len(res) < announceRespHeader {
		return announceResult{}, corerr.New(corerr.ProtocolViolation, "announce response", fmt.Errorf("response too short: %d bytes", len(res)))
	}
	gotAction := action(binary.BigEndian.Uint32(res[0:4]))
	gotTransactionID := binary.BigEndian.Uint32(res[4:8])
	if gotAction != actionAnnounce {
		return announceResult{}, corerr.New(corerr.ProtocolViolation, "announce response", fmt.Errorf("unexpected action %d", gotAction))
	}
	if gotTransactionID != wantTransactionID {
		return announceResult{}, corerr.New(corerr.ProtocolViolation, "announce response", fmt.Errorf("transaction id mismatch"))
	}

	result := announceResult{
		Interval: int32(binary.BigEndian.Uint32(res[8:12])),
		Leechers: int32(binary.BigEndian.Uint32(res[12:16])),
		Seeders:  int32(binary.BigEndian.Uint32(res[16:20])),
	}

	body := res[announceRespHeader:]
	if len(body)%peerRecordSize != 0 {
		return announceResult{}, corerr.New(corerr.ProtocolViolation, "announce response", fmt.Errorf("peer list length %d not a multiple of %d", len(body), peerRecordSize))
	}
	for i := 0; i+peerRecordSize <= len(body); i += peerRecordSize {
		var p Peer
		copy(p.IP[:], body[i:i+4])
		p.Port = binary.BigEndian.Uint16(body[i+4 : i+6])
		if p.Port == 0 && p.IP == ([4]byte{}) {
			continue
		}
		result.Peers = append(result.Peers, p)
	}
	return result, nil
}
