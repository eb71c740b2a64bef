// Package torrentcore wires the metainfo, tracker, handshake and peer
// packages into a complete single-file download: metainfo decode, UDP
// tracker announce, a bounded peer session pool, and piece assembly into
// a filestore.FileStore. This is the library entry point; cmd/torrentcore
// is a thin CLI wrapper around it.
package torrentcore

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gopherlabs/bittorrent-core/config"
	"github.com/gopherlabs/bittorrent-core/corerr"
	"github.com/gopherlabs/bittorrent-core/filestore"
	"github.com/gopherlabs/bittorrent-core/metainfo"
	"github.com/gopherlabs/bittorrent-core/metrics"
	"github.com/gopherlabs/bittorrent-core/peer"
	"github.com/gopherlabs/bittorrent-core/peerid"
	"github.com/gopherlabs/bittorrent-core/tracker"
)

// Options configures a single Download call.
type Options struct {
	TorrentPath string
	Config      config.Config
	Logger      *zap.Logger
	Scope       tally.Scope
}

// Download decodes the torrent at opts.TorrentPath, announces to its
// tracker, and drives peer sessions that download and verify pieces into
// opts.Config.OutputDir. It returns once every peer session has ended;
// pieces that no session delivered stay missing, and Download still
// returns nil in that case.
func Download(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scope := opts.Scope
	if scope == nil {
		scope = tally.NoopScope
	}

	meta, err := metainfo.Load(opts.TorrentPath)
	if err != nil {
		return fmt.Errorf("load torrent: %w", err)
	}

	store, err := filestore.Open(filepath.Join(opts.Config.OutputDir, meta.Info.Name), meta.Info)
	if err != nil {
		return fmt.Errorf("open file store: %w", err)
	}
	defer store.Close()

	localID, err := peerid.Generate(opts.Config.PeerIDTag)
	if err != nil {
		return fmt.Errorf("generate peer id: %w", err)
	}

	announceURL, err := url.Parse(meta.Announce)
	if err != nil {
		return corerr.New(corerr.MalformedInput, "parse announce url", err)
	}

	trackerCfg := tracker.Config{
		LocalBind:    opts.Config.Tracker.LocalBind,
		QueryTimeout: opts.Config.Tracker.QueryTimeout,
	}
	session, err := tracker.Dial(announceURL, trackerCfg, logger)
	if err != nil {
		scope.Counter(metrics.TrackerAnnounceFailure).Inc(1)
		return fmt.Errorf("dial tracker: %w", err)
	}
	defer session.Close()

	connectionID, err := session.Connect(ctx)
	if err != nil {
		scope.Counter(metrics.TrackerAnnounceFailure).Inc(1)
		return fmt.Errorf("connect to tracker: %w", err)
	}

	result, err := session.Announce(ctx, tracker.AnnounceParams{
		ConnectionID: connectionID,
		InfoHash:     [20]byte(meta.InfoHash),
		PeerID:       localID,
		Left:         remainingBytes(store, meta.Info),
	})
	if err != nil {
		scope.Counter(metrics.TrackerAnnounceFailure).Inc(1)
		return fmt.Errorf("announce to tracker: %w", err)
	}
	scope.Counter(metrics.TrackerAnnounceSuccess).Inc(1)
	logger.Info("announce complete", zap.Int("peers", len(result.Peers)))

	peers := result.Peers
	if len(peers) > opts.Config.MaxPeers {
		peers = peers[:opts.Config.MaxPeers]
	}

	pool := newPeerPool()
	pieces := make(chan int, len(meta.Info.Pieces))
	for i := range meta.Info.Pieces {
		if !store.HasPiece(i) {
			pieces <- i
		}
	}
	close(pieces)

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			runPeer(ctx, p, meta, localID, store, opts.Config, logger, scope, pieces, pool)
			return nil
		})
	}
	return g.Wait()
}

// remainingBytes reports how much of the torrent is not yet resident on
// disk, the value the tracker's "left" announce field expects.
func remainingBytes(store *filestore.FileStore, info metainfo.Info) uint64 {
	var left int64
	for i := 0; i < store.PieceCount(); i++ {
		if !store.HasPiece(i) {
			left += info.PieceSize(i)
		}
	}
	return uint64(left)
}

// peerPool tracks the sessions currently active, so a newly verified
// piece can be announced to every peer with a single AnnounceHave call
// each.
type peerPool struct {
	mu       sync.Mutex
	sessions []*peer.Session
}

func newPeerPool() *peerPool {
	return &peerPool{}
}

func (p *peerPool) add(s *peer.Session) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, s)
	return len(p.sessions)
}

func (p *peerPool) announceHave(index int) {
	p.mu.Lock()
	sessions := append([]*peer.Session(nil), p.sessions...)
	p.mu.Unlock()
	for _, s := range sessions {
		s.AnnounceHave(index)
	}
}

// runPeer dials one announced peer, performs the handshake, and drives
// both its Session.Run loop and the download logic that pulls pieces off
// the shared pieces queue. A single peer's failure (dial, handshake,
// stalled download) does not fail the overall Download; it just means
// that peer contributes nothing.
func runPeer(ctx context.Context, p tracker.Peer, meta metainfo.Metainfo, localID [20]byte, store *filestore.FileStore, cfg config.Config, logger *zap.Logger, scope tally.Scope, pieces chan int, pool *peerPool) {
	addr := net.JoinHostPort(net.IP(p.IP[:]).String(), strconv.Itoa(int(p.Port)))
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		logger.Debug("dial peer failed", zap.String("addr", addr), zap.Error(err))
		return
	}

	sessCfg := peer.Config{
		MaxPendingRequests: cfg.Peer.MaxPendingRequests,
		IdleTimeout:        cfg.Peer.IdleTimeout,
	}
	sess, err := peer.NewSession(conn, [20]byte(meta.InfoHash), localID, store, len(meta.Info.Pieces), sessCfg, logger)
	if err != nil {
		logger.Debug("handshake failed", zap.String("addr", addr), zap.Error(err))
		return
	}

	blocks := make(chan peer.PiecePayload, 64)
	sess.OnBlock(func(payload peer.PiecePayload) {
		select {
		case blocks <- payload:
		default:
			logger.Warn("dropping block, receiver not keeping up", zap.Int("index", payload.Index))
		}
	})

	active := pool.add(sess)
	scope.Gauge(metrics.PeerSessionsActive).Update(float64(active))

	// The download task cancels the session once it returns, so Run (which
	// otherwise only ends on a connection failure) does not outlive it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(ctx) })
	g.Go(func() error {
		defer cancel()
		if err := sess.SendInterested(); err != nil {
			return err
		}
		return drivePeerDownload(ctx, sess, meta.Info, store, blocks, pieces, scope, pool)
	})
	if err := g.Wait(); err != nil {
		logger.Debug("peer session ended", zap.String("addr", addr), zap.Error(err))
	}
}

// drivePeerDownload pulls piece indices off the shared queue and
// downloads each fully from sess, skipping (and returning to the queue)
// any piece sess does not have. Piece selection is intentionally naive
// in-order FIFO; a rarest-first or end-game strategy is out of scope.
func drivePeerDownload(ctx context.Context, sess *peer.Session, info metainfo.Info, store *filestore.FileStore, blocks chan peer.PiecePayload, pieces chan int, scope tally.Scope, pool *peerPool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case index, ok := <-pieces:
			if !ok {
				return nil
			}
			if !sess.HasPiece(index) {
				select {
				case pieces <- index:
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
			if err := downloadPiece(ctx, sess, index, info, store, blocks); err != nil {
				scope.Counter(metrics.PieceCorrupt).Inc(1)
				select {
				case pieces <- index:
				case <-ctx.Done():
				}
				return err
			}
			scope.Counter(metrics.PieceVerified).Inc(1)
			scope.Counter(metrics.BytesDownloaded).Inc(info.PieceSize(index))
			pool.announceHave(index)
		}
	}
}

// downloadPiece waits out any current choke, requests every block of
// piece index, and assembles the responses into the file store.
func downloadPiece(ctx context.Context, sess *peer.Session, index int, info metainfo.Info, store *filestore.FileStore, blocks chan peer.PiecePayload) error {
	for sess.PeerChoking() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	size := int(info.PieceSize(index))
	buf := make([]byte, size)
	want := 0
	for begin := 0; begin < size; begin += peer.BlockSize {
		length := peer.BlockSize
		if begin+length > size {
			length = size - begin
		}
		if err := sess.RequestBlock(index, begin, length); err != nil {
			return fmt.Errorf("request block: %w", err)
		}
		want++
	}

	got := 0
	for got < want {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-blocks:
			if p.Index != index {
				continue
			}
			if p.Begin < 0 || p.Begin+len(p.Data) > size {
				return corerr.New(corerr.ProtocolViolation, "download piece", fmt.Errorf("piece %d block begin %d length %d out of bounds for size %d", index, p.Begin, len(p.Data), size))
			}
			copy(buf[p.Begin:], p.Data)
			got++
		case <-time.After(30 * time.Second):
			return corerr.New(corerr.Timeout, "download piece", fmt.Errorf("piece %d timed out waiting for blocks", index))
		}
	}

	if err := store.WriteSubPiece(index, 0, buf); err != nil {
		return fmt.Errorf("write piece: %w", err)
	}
	ok, err := store.FlushPiece(index)
	if err != nil {
		return fmt.Errorf("flush piece: %w", err)
	}
	if !ok {
		return corerr.New(corerr.ProtocolViolation, "download piece", fmt.Errorf("piece %d failed hash verification", index))
	}
	return nil
}
