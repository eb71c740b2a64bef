package peer

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gopherlabs/bittorrent-core/corerr"
	"github.com/gopherlabs/bittorrent-core/filestore"
	"github.com/gopherlabs/bittorrent-core/handshake"
)

// keepAliveInterval matches the ~110s cadence BEP conventionally uses,
// comfortably inside the ~150s idle timeout peers apply on their end.
const keepAliveInterval = 110 * time.Second

// Config bounds a Session's resource usage.
type Config struct {
	// MaxPendingRequests caps how many of the peer's block requests this
	// session services concurrently; requests beyond that are dropped.
	MaxPendingRequests int
	// IdleTimeout is carried with the session's settings, but Session sets
	// no read deadline from it: an idle connection stays open until the
	// peer closes it or Run's context is cancelled.
	IdleTimeout time.Duration
}

// DefaultConfig returns the session defaults named in the peer protocol's
// resource model.
func DefaultConfig() Config {
	return Config{
		MaxPendingRequests: 10,
		IdleTimeout:        150 * time.Second,
	}
}

// Session is an actor over one peer TCP connection: a single owning
// goroutine (run) is the sole mutator of session state, reached only by
// commands sent over cmds. The reader, keepalive ticker and responder
// tasks are its siblings; none of them touch state directly.
type Session struct {
	conn   net.Conn
	store  *filestore.FileStore
	cfg    Config
	logger *zap.Logger

	cmds   chan command
	closed chan struct{}

	peerID   [20]byte
	numPiece int

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBitfield   Bitfield
	announcedHaves Bitfield
	inFlightBlocks int

	onBlock func(PiecePayload)
}

// command is the sealed set of messages the owning goroutine accepts.
type command interface{ isCommand() }

type cmdPeerMessage struct{ msg Message }
type cmdSendKeepAlive struct{}
type cmdResponderDone struct {
	index, begin int
	data         []byte
	err          error
}
type cmdReaderClosed struct{ err error }

// cmdExec runs fn on the owning goroutine and closes done when it
// returns, giving external callers exclusive, race-free access to
// session state without a lock: they submit a closure instead of
// reaching into the struct themselves.
type cmdExec struct {
	fn   func()
	done chan struct{}
}

func (cmdPeerMessage) isCommand()   {}
func (cmdSendKeepAlive) isCommand() {}
func (cmdResponderDone) isCommand() {}
func (cmdReaderClosed) isCommand()  {}
func (cmdExec) isCommand()          {}

// exec submits fn to the owning goroutine and blocks until it has run,
// or the session has stopped (closed is closed by Run on exit).
func (s *Session) exec(fn func()) bool {
	done := make(chan struct{})
	select {
	case s.cmds <- cmdExec{fn: fn, done: done}:
	case <-s.closed:
		return false
	}
	select {
	case <-done:
		return true
	case <-s.closed:
		return false
	}
}

// NewSession performs the handshake over conn and, on success, returns a
// Session ready to Run. numPieces sizes the peer's bitfield.
func NewSession(conn net.Conn, infoHash, localPeerID [20]byte, store *filestore.FileStore, numPieces int, cfg Config, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	peerHandshake, err := handshake.Exchange(conn, handshake.New(infoHash, localPeerID))
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	return &Session{
		conn:           conn,
		store:          store,
		cfg:            cfg,
		logger:         logger.Named("peer").With(zap.String("remote", conn.RemoteAddr().String())),
		cmds:           make(chan command, 32),
		closed:         make(chan struct{}),
		peerID:         peerHandshake.PeerID,
		numPiece:       numPieces,
		amChoking:      true,
		peerChoking:    true,
		peerBitfield:   NewBitfield(numPieces),
		announcedHaves: NewBitfield(numPieces),
	}, nil
}

// OnBlock registers the callback invoked on the owning goroutine whenever
// a piece message arrives with a validated block. Must be called before
// Run; the session has no concurrent access to guard against otherwise.
func (s *Session) OnBlock(fn func(PiecePayload)) {
	s.onBlock = fn
}

// Run drives the session until ctx is cancelled or the connection fails.
// The three per-peer tasks (reader, keepalive, owner loop) are bound by
// an errgroup: cancelling ctx stops all three at their next suspension
// point.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	// A blocked conn read does not observe ctx; closing the connection
	// on cancellation is what releases readLoop.
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.keepAliveLoop(ctx) })
	g.Go(func() error { return s.ownerLoop(ctx) })

	err := g.Wait()
	s.conn.Close()
	close(s.closed)
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		msg, err := ReadMessage(s.conn)
		if err != nil {
			select {
			case s.cmds <- cmdReaderClosed{err: err}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				return corerr.New(corerr.Canceled, "peer reader", err)
			}
			return err
		}
		select {
		case s.cmds <- cmdPeerMessage{msg: msg}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) keepAliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case s.cmds <- cmdSendKeepAlive{}:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ownerLoop is the session's single mutator: every field read or write
// happens here, so no lock is needed.
func (s *Session) ownerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.cmds:
			switch c := cmd.(type) {
			case cmdReaderClosed:
				return c.err
			case cmdSendKeepAlive:
				if _, err := s.conn.Write(KeepAlive()); err != nil {
					return corerr.New(corerr.Io, "send keepalive", err)
				}
			case cmdPeerMessage:
				if err := s.handleMessage(ctx, c.msg); err != nil {
					return err
				}
			case cmdResponderDone:
				if c.err != nil {
					s.logger.Warn("responder failed to load piece", zap.Int("index", c.index), zap.Error(c.err))
					s.inFlightBlocks--
					continue
				}
				if _, err := s.conn.Write(PieceBlock(c.index, c.begin, c.data)); err != nil {
					return corerr.New(corerr.Io, "send piece", err)
				}
				s.inFlightBlocks--
			case cmdExec:
				c.fn()
				close(c.done)
			}
		}
	}
}

func (s *Session) handleMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MsgChoke:
		s.peerChoking = true
	case MsgUnchoke:
		s.peerChoking = false
	case MsgInterested:
		s.peerInterested = true
	case MsgNotInterested:
		s.peerInterested = false
	case MsgHave:
		index, err := ParseHavePayload(msg.Payload)
		if err != nil {
			return err
		}
		s.peerBitfield.Set(index)
	case MsgBitfield:
		if err := ValidateTrailingPadding(Bitfield(msg.Payload), s.numPiece); err != nil {
			return err
		}
		s.peerBitfield = Bitfield(msg.Payload)
	case MsgRequest:
		req, err := ParseRequestPayload(msg.Payload)
		if err != nil {
			return err
		}
		return s.handleRequest(ctx, req)
	case MsgPiece:
		p, err := ParsePiecePayload(msg.Payload)
		if err != nil {
			return err
		}
		if s.onBlock != nil {
			s.onBlock(p)
		}
	case MsgCancel:
		// Best effort: a block already queued for send may still go out.
	default:
		s.logger.Debug("ignoring unknown message type", zap.Uint8("type", uint8(msg.Type)))
	}
	return nil
}

// handleRequest enqueues a disk read for the requested block, bounded to
// cfg.MaxPendingRequests concurrent responder tasks. Requests beyond the
// bound are dropped rather than queued unboundedly: the peer will resend
// if it still wants the block once unchoked again.
func (s *Session) handleRequest(ctx context.Context, req RequestPayload) error {
	if s.amChoking {
		return nil
	}
	if req.Length > 1<<17 {
		return corerr.New(corerr.ProtocolViolation, "request", fmt.Errorf("requested block length %d exceeds hard cap", req.Length))
	}
	if !s.store.HasPiece(req.Index) {
		s.logger.Debug("ignoring request for unverified piece", zap.Int("index", req.Index))
		return nil
	}
	if s.inFlightBlocks >= s.cfg.MaxPendingRequests {
		s.logger.Debug("dropping request, responder saturated", zap.Int("index", req.Index))
		return nil
	}
	s.inFlightBlocks++
	go s.respond(ctx, req)
	return nil
}

func (s *Session) respond(ctx context.Context, req RequestPayload) {
	data, err := s.store.SubPiece(req.Index, req.Begin, req.Length)
	done := cmdResponderDone{index: req.Index, begin: req.Begin, data: data, err: err}
	select {
	case s.cmds <- done:
	case <-ctx.Done():
	}
}

// SendInterested flags this session as interested and writes the message.
// Exposed for the orchestrator to call once it decides this peer has a
// piece we want. Runs on the owning goroutine via exec, so it never races
// with the reader or responder's own mutations of session state.
func (s *Session) SendInterested() error {
	var writeErr error
	s.exec(func() {
		s.amInterested = true
		_, writeErr = s.conn.Write(Interested())
	})
	return writeErr
}

// SendUnchoke flags the peer as unchoked and writes the message,
// permitting it to request blocks.
func (s *Session) SendUnchoke() error {
	var writeErr error
	s.exec(func() {
		s.amChoking = false
		_, writeErr = s.conn.Write(Unchoke())
	})
	return writeErr
}

// RequestBlock asks the peer for a block. The caller is responsible for
// only requesting from peers that are not PeerChoking and HasPiece(index).
func (s *Session) RequestBlock(index, begin, length int) error {
	var writeErr error
	s.exec(func() {
		_, writeErr = s.conn.Write(Request(index, begin, length))
	})
	return writeErr
}

// AnnounceHave sends a have message for index, once.
func (s *Session) AnnounceHave(index int) error {
	var writeErr error
	s.exec(func() {
		if s.announcedHaves.Get(index) {
			return
		}
		s.announcedHaves.Set(index)
		_, writeErr = s.conn.Write(Have(index))
	})
	return writeErr
}

// HasPiece reports whether the peer has announced piece index.
func (s *Session) HasPiece(index int) bool {
	var has bool
	s.exec(func() { has = s.peerBitfield.Get(index) })
	return has
}

// PeerChoking reports whether the peer is currently choking us.
func (s *Session) PeerChoking() bool {
	var choking bool
	s.exec(func() { choking = s.peerChoking })
	return choking
}

// PeerID returns the remote peer's handshake-negotiated id. Immutable
// after construction, safe to read without exec.
func (s *Session) PeerID() [20]byte {
	return s.peerID
}
