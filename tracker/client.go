package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/gopherlabs/bittorrent-core/corerr"
)

// Config configures a Session's retry behaviour and local bind address.
type Config struct {
	// LocalBind is the local UDP address the session dials from.
	LocalBind string
	// QueryTimeout is the deadline of each connect/announce round trip
	// (unless ctx carries its own deadline, which is then used instead) and
	// the wait before the first retry; that wait doubles on each of up to 8
	// retries (BEP 15's recommended backoff).
	QueryTimeout time.Duration
}

// DefaultConfig returns the tracker client defaults: 15s base timeout per
// spec, local bind on all interfaces.
func DefaultConfig() Config {
	return Config{
		LocalBind:    "0.0.0.0:8080",
		QueryTimeout: 15 * time.Second,
	}
}

// Session holds one UDP connection to a tracker, across a connect and one
// or more announces.
type Session struct {
	conn   *net.UDPConn
	cfg    Config
	logger *zap.Logger
}

// Dial resolves trackerURL (scheme udp/udp4/udp6) and opens a UDP socket
// bound to cfg.LocalBind.
func Dial(trackerURL *url.URL, cfg Config, logger *zap.Logger) (*Session, error) {
	switch trackerURL.Scheme {
	case "udp", "udp4", "udp6":
	default:
		return nil, corerr.New(corerr.MalformedInput, "dial tracker", fmt.Errorf("unsupported scheme %q", trackerURL.Scheme))
	}

	raddr, err := net.ResolveUDPAddr(trackerURL.Scheme, trackerURL.Host)
	if err != nil {
		return nil, corerr.New(corerr.Io, "resolve tracker address", err)
	}
	laddr, err := net.ResolveUDPAddr(trackerURL.Scheme, cfg.LocalBind)
	if err != nil {
		return nil, corerr.New(corerr.Io, "resolve local bind address", err)
	}
	conn, err := net.DialUDP(trackerURL.Scheme, laddr, raddr)
	if err != nil {
		return nil, corerr.New(corerr.Io, "dial tracker", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{conn: conn, cfg: cfg, logger: logger.Named("tracker")}, nil
}

// Close releases the underlying UDP socket.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Connect performs the connect handshake, retrying with exponential
// backoff (15s, 30s, 60s... up to 8 retries after the first attempt) on
// timeout, per BEP 15.
func (s *Session) Connect(ctx context.Context) (uint64, error) {
	var connectionID uint64
	op := func() error {
		transactionID, err := randUint32()
		if err != nil {
			return backoff.Permanent(err)
		}

		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(s.cfg.QueryTimeout)
		}
		s.conn.SetDeadline(deadline)

		if _, err := s.conn.Write(encodeConnectRequest(transactionID)); err != nil {
			return corerr.New(corerr.Io, "connect", err)
		}
		res := make([]byte, connectResponseSize)
		n, err := s.conn.Read(res)
		if err != nil {
			if isTimeout(err) {
				return err // retryable
			}
			return backoff.Permanent(corerr.New(corerr.Io, "connect", err))
		}
		id, err := decodeConnectResponse(res[:n], transactionID)
		if err != nil {
			return backoff.Permanent(err)
		}
		connectionID = id
		return nil
	}

	if err := backoff.Retry(op, retryPolicy(s.cfg.QueryTimeout, ctx)); err != nil {
		if isTimeout(err) {
			return 0, corerr.New(corerr.Timeout, "connect", err)
		}
		return 0, err
	}
	return connectionID, nil
}

// AnnounceParams are the caller-supplied fields of an announce request
// that vary per torrent/session (the wire-layout-fixed fields are filled
// in by Announce itself).
type AnnounceParams struct {
	ConnectionID uint64
	InfoHash     [20]byte
	PeerID       [20]byte
	Left         uint64
	Port         uint16
}

// AnnounceResult is the peer list and interval returned by a tracker.
type AnnounceResult struct {
	Interval time.Duration
	Peers    []Peer
}

// Announce sends an announce request over an already-connected session
// and returns the decoded peer list, retrying with the same backoff
// policy as Connect.
func (s *Session) Announce(ctx context.Context, p AnnounceParams) (AnnounceResult, error) {
	var result AnnounceResult
	op := func() error {
		transactionID, err := randUint32()
		if err != nil {
			return backoff.Permanent(err)
		}
		key, err := randUint32()
		if err != nil {
			return backoff.Permanent(err)
		}

		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(s.cfg.QueryTimeout)
		}
		s.conn.SetDeadline(deadline)

		req := encodeAnnounceRequest(announceParams{
			ConnectionID:  p.ConnectionID,
			TransactionID: transactionID,
			InfoHash:      p.InfoHash,
			PeerID:        p.PeerID,
			Left:          p.Left,
			Event:         0,
			Key:           key,
			NumWant:       -1,
			Port:          p.Port,
		})
		if _, err := s.conn.Write(req); err != nil {
			return corerr.New(corerr.Io, "announce", err)
		}

		res := make([]byte, 512)
		n, err := s.conn.Read(res)
		if err != nil {
			if isTimeout(err) {
				return err
			}
			return backoff.Permanent(corerr.New(corerr.Io, "announce", err))
		}
		decoded, err := decodeAnnounceResponse(res[:n], transactionID)
		if err != nil {
			return backoff.Permanent(err)
		}
		result = AnnounceResult{
			Interval: time.Duration(decoded.Interval) * time.Second,
			Peers:    decoded.Peers,
		}
		return nil
	}

	if err := backoff.Retry(op, retryPolicy(s.cfg.QueryTimeout, ctx)); err != nil {
		if isTimeout(err) {
			return AnnounceResult{}, corerr.New(corerr.Timeout, "announce", err)
		}
		return AnnounceResult{}, err
	}
	s.logger.Debug("announce complete", zap.Int("peers", len(result.Peers)), zap.Duration("interval", result.Interval))
	return result, nil
}

// retryPolicy implements BEP 15's recommended 15*2^n second backoff,
// bounded to 8 retries, cancellable via ctx.
func retryPolicy(base time.Duration, ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = base * (1 << 8)
	eb.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not elapsed wall time
	return backoff.WithContext(backoff.WithMaxRetries(eb, 8), ctx)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, corerr.New(corerr.Io, "random transaction id", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
