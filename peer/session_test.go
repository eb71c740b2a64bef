package peer

import (
	"context"
	"crypto/sha1"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gopherlabs/bittorrent-core/filestore"
	"github.com/gopherlabs/bittorrent-core/handshake"
	"github.com/gopherlabs/bittorrent-core/metainfo"
)

func testStore(t *testing.T, pieceLength int64, pieces [][]byte) *filestore.FileStore {
	t.Helper()
	hashes := make([][sha1.Size]byte, len(pieces))
	var total int64
	for i, p := range pieces {
		hashes[i] = sha1.Sum(p)
		total += int64(len(p))
	}
	info := metainfo.Info{Name: "t", Length: total, PieceLength: pieceLength, Pieces: hashes}
	store, err := filestore.Open(filepath.Join(t.TempDir(), "data"), info)
	require.NoError(t, err)
	for i, p := range pieces {
		require.NoError(t, store.WriteSubPiece(i, 0, p))
		ok, err := store.FlushPiece(i)
		require.NoError(t, err)
		require.True(t, ok)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// pairedSession builds one Session over a loopback TCP connection whose
// remote end is a bare net.Conn the test drives directly, simulating the
// wire behaviour of a remote peer without a second Session. A real socket
// is used rather than net.Pipe because both handshake sides write before
// reading, and the session writes synchronously from its owner goroutine;
// both need the socket's buffering.
func pairedSession(t *testing.T, store *filestore.FileStore, numPieces int) (s *Session, peerConn net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() { client.Close(); server.Close() })

	var infoHash, localID, remoteID [20]byte
	infoHash[0] = 0x7

	type result struct {
		s   *Session
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sess, err := NewSession(client, infoHash, localID, store, numPieces, DefaultConfig(), nil)
		ch <- result{sess, err}
	}()

	got, err := handshake.Exchange(server, handshake.New(infoHash, remoteID))
	require.NoError(t, err)
	assert.Equal(t, localID, got.PeerID)

	r := <-ch
	require.NoError(t, r.err)
	return r.s, server
}

func TestNewSessionHandshake(t *testing.T) {
	store := testStore(t, 4, [][]byte{[]byte("abcd")})
	s, _ := pairedSession(t, store, 1)
	var zero [20]byte
	assert.Equal(t, zero, s.PeerID())
}

func TestSessionSendInterested(t *testing.T) {
	store := testStore(t, 4, [][]byte{[]byte("abcd")})
	s, peerConn := pairedSession(t, store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.NoError(t, s.SendInterested())

	msg, err := ReadMessage(peerConn)
	require.NoError(t, err)
	assert.Equal(t, MsgInterested, msg.Type)
}

func TestSessionTracksPeerBitfieldAndHave(t *testing.T) {
	store := testStore(t, 4, [][]byte{[]byte("abcd"), []byte("efgh")})
	s, peerConn := pairedSession(t, store, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	bf := NewBitfield(2)
	bf.Set(0)
	_, err := peerConn.Write(BitfieldMessage(bf))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.HasPiece(0) }, time.Second, 5*time.Millisecond)
	assert.False(t, s.HasPiece(1))

	_, err = peerConn.Write(Have(1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.HasPiece(1) }, time.Second, 5*time.Millisecond)
}

func TestSessionChokeUnchokeState(t *testing.T) {
	store := testStore(t, 4, [][]byte{[]byte("abcd")})
	s, peerConn := pairedSession(t, store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	assert.True(t, s.PeerChoking())

	_, err := peerConn.Write(Unchoke())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !s.PeerChoking() }, time.Second, 5*time.Millisecond)

	_, err = peerConn.Write(Choke())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.PeerChoking() }, time.Second, 5*time.Millisecond)
}

func TestSessionServesRequestedBlockOnceUnchoked(t *testing.T) {
	piece := []byte("abcdefgh")
	store := testStore(t, int64(len(piece)), [][]byte{piece})
	s, peerConn := pairedSession(t, store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.NoError(t, s.SendUnchoke())
	// SendUnchoke puts an unchoke message on the wire ahead of the block.
	msg, err := ReadMessage(peerConn)
	require.NoError(t, err)
	require.Equal(t, MsgUnchoke, msg.Type)

	_, err = peerConn.Write(Request(0, 2, 4))
	require.NoError(t, err)

	msg, err = ReadMessage(peerConn)
	require.NoError(t, err)
	require.Equal(t, MsgPiece, msg.Type)
	p, err := ParsePiecePayload(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Index)
	assert.Equal(t, 2, p.Begin)
	assert.Equal(t, piece[2:6], p.Data)
}

func TestSessionIgnoresRequestWhileChoking(t *testing.T) {
	piece := []byte("abcdefgh")
	store := testStore(t, int64(len(piece)), [][]byte{piece})
	s, peerConn := pairedSession(t, store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	_, err := peerConn.Write(Request(0, 0, 4))
	require.NoError(t, err)

	peerConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err = ReadMessage(peerConn)
	assert.Error(t, err)
}

func TestSessionRequestBlock(t *testing.T) {
	store := testStore(t, 4, [][]byte{[]byte("abcd")})
	s, peerConn := pairedSession(t, store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.NoError(t, s.RequestBlock(0, 0, 4))

	msg, err := ReadMessage(peerConn)
	require.NoError(t, err)
	require.Equal(t, MsgRequest, msg.Type)
	req, err := ParseRequestPayload(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, RequestPayload{Index: 0, Begin: 0, Length: 4}, req)
}

func TestSessionAnnounceHaveIsSentOnce(t *testing.T) {
	store := testStore(t, 4, [][]byte{[]byte("abcd")})
	s, peerConn := pairedSession(t, store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.NoError(t, s.AnnounceHave(0))
	msg, err := ReadMessage(peerConn)
	require.NoError(t, err)
	assert.Equal(t, MsgHave, msg.Type)

	require.NoError(t, s.AnnounceHave(0))
	require.NoError(t, s.SendInterested())
	msg, err = ReadMessage(peerConn)
	require.NoError(t, err)
	assert.Equal(t, MsgInterested, msg.Type, "second AnnounceHave(0) must be a no-op, not a repeated have")
}

func TestSessionDeliversBlocksViaOnBlock(t *testing.T) {
	store := testStore(t, 4, [][]byte{[]byte("abcd")})
	s, peerConn := pairedSession(t, store, 1)

	blocks := make(chan PiecePayload, 1)
	s.OnBlock(func(p PiecePayload) { blocks <- p })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	_, err := peerConn.Write(PieceBlock(0, 0, []byte("data")))
	require.NoError(t, err)

	select {
	case p := <-blocks:
		assert.Equal(t, 0, p.Index)
		assert.Equal(t, []byte("data"), p.Data)
	case <-time.After(time.Second):
		t.Fatal("onBlock callback was not invoked")
	}
}

func TestSessionRunStopsOnContextCancel(t *testing.T) {
	store := testStore(t, 4, [][]byte{[]byte("abcd")})
	s, _ := pairedSession(t, store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
