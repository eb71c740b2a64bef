package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTracker is a minimal in-process UDP tracker that answers exactly one
// connect and one announce request, for round-trip testing of Session.
func fakeTracker(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 512)
		const connectionID = 0xc0ffee

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		transactionID := binary.BigEndian.Uint32(buf[12:16])
		_ = n
		res := buildConnectResponse(transactionID, connectionID)
		conn.WriteToUDP(res, addr)

		n, addr, err = conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		transactionID = binary.BigEndian.Uint32(buf[12:16])
		_ = n
		res = buildAnnounceResponse(transactionID, []Peer{
			{IP: [4]byte{10, 0, 0, 1}, Port: 6881},
		})
		conn.WriteToUDP(res, addr)
	}()

	return conn
}

func TestSessionConnectAndAnnounce(t *testing.T) {
	serverConn := fakeTracker(t)
	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)
	trackerURL := &url.URL{Scheme: "udp", Host: serverAddr.String()}

	cfg := DefaultConfig()
	cfg.LocalBind = "0.0.0.0:0"
	cfg.QueryTimeout = 2 * time.Second

	s, err := Dial(trackerURL, cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connID, err := s.Connect(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0xc0ffee, connID)

	var infoHash, peerID [20]byte
	result, err := s.Announce(ctx, AnnounceParams{
		ConnectionID: connID,
		InfoHash:     infoHash,
		PeerID:       peerID,
		Left:         1000,
		Port:         6881,
	})
	require.NoError(t, err)
	require.Len(t, result.Peers, 1)
	assert.Equal(t, [4]byte{10, 0, 0, 1}, result.Peers[0].IP)
	assert.EqualValues(t, 6881, result.Peers[0].Port)
}

func TestDialRejectsUnsupportedScheme(t *testing.T) {
	u := &url.URL{Scheme: "http", Host: "example.com"}
	_, err := Dial(u, DefaultConfig(), nil)
	require.Error(t, err)
}
