// Package server implements the chatd listener and the per-connection
// session: TLS accept, allowlist admission, the identity handshake, the
// steady-state command loop, and the writer pump that drains each client's
// outbound queue.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hannanrazzaghi/ironchat/internal/hub"
	"github.com/hannanrazzaghi/ironchat/internal/monitoring"
	"github.com/hannanrazzaghi/ironchat/internal/protocol"
	"github.com/hannanrazzaghi/ironchat/internal/rate"
	"github.com/hannanrazzaghi/ironchat/internal/store"
)

const (
	// writeWait bounds a single socket write in the writer pump.
	writeWait = 5 * time.Second
	// handshakeTimeout bounds the server-side TLS handshake.
	handshakeTimeout = 10 * time.Second
	// denialTimeout bounds the whole handshake-write-close exchange for a
	// denied peer.
	denialTimeout = 5 * time.Second
)

// Config wires a Server to its collaborators.
type Config struct {
	Bind        string
	TLS         *tls.Config
	MOTD        string
	IdleTimeout time.Duration // 0 disables the steady-state read timeout

	Gate       *store.Gate
	Identities store.IdentityStore
	History    store.HistoryStore
	Hub        *hub.Hub
	AcceptGate *rate.AcceptGate // optional connection-flood gate

	Logger zerolog.Logger
}

// Server accepts TLS connections, runs the admission gate, and spawns one
// session per admitted client. A failure in one session never affects
// another.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	listener net.Listener

	conns sync.Map // net.Conn → struct{}, for shutdown

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an unstarted server.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "server").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the listener and spawns the accept loop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Bind, err)
	}
	s.listener = listener
	s.logger.Info().Str("bind", listener.Addr().String()).Msg("chatd listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown stops accepting, closes every live connection, and waits for all
// session goroutines to finish.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("shutting down")
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})
	s.wg.Wait()
	if s.cfg.AcceptGate != nil {
		s.cfg.AcceptGate.Close()
	}
	s.logger.Info().Msg("shutdown complete")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}

		ip, ok := peerAddr(conn)
		if !ok {
			conn.Close()
			continue
		}

		if gate := s.cfg.AcceptGate; gate != nil && !gate.Allow(ip) {
			monitoring.AcceptRateLimited.Inc()
			conn.Close()
			continue
		}

		// The gate's file I/O is fast and the accept path is not on the
		// broadcast path, so the check runs synchronously here.
		allowed, err := s.cfg.Gate.CheckOrNote(ip)
		if err != nil {
			s.logger.Error().Err(err).Stringer("ip", ip).Msg("admission check failed")
			conn.Close()
			continue
		}
		if !allowed {
			monitoring.AdmissionDenied.Inc()
			s.track(conn)
			s.wg.Add(1)
			go s.denyUnapproved(conn)
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		go s.runSession(conn, ip)
	}
}

func (s *Server) track(conn net.Conn) {
	s.conns.Store(conn, struct{}{})
}

func (s *Server) untrack(conn net.Conn) {
	s.conns.Delete(conn)
}

// denyUnapproved completes the TLS handshake so the peer can read the
// reason, writes a single denial line, and closes.
func (s *Server) denyUnapproved(raw net.Conn) {
	defer s.wg.Done()
	defer s.untrack(raw)
	defer raw.Close()

	tlsConn := tls.Server(raw, s.cfg.TLS)
	tlsConn.SetDeadline(time.Now().Add(denialTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return
	}
	line := protocol.FormatServerMsg(protocol.Sys{Text: "Not approved. Ask admin."}) + "\n"
	tlsConn.Write([]byte(line))
	tlsConn.Close()
}

// disconnect removes a client from the hub and announces its departure. The
// first caller wins; later calls for the same id are no-ops, so a session's
// own exit and an eviction by another session cannot close Done twice.
func (s *Server) disconnect(id hub.ClientID, reason string) {
	handle := s.cfg.Hub.RemoveClient(id)
	if handle == nil {
		return
	}
	close(handle.Done)
	s.logger.Info().
		Stringer("ip", handle.IP).
		Str("nick", handle.Nick).
		Str("reason", reason).
		Msg("client left")
	s.cfg.Hub.Broadcast(protocol.Sys{Text: fmt.Sprintf("%s left (%s)", handle.Nick, reason)})
}

// peerAddr extracts the remote IP, unmapped so 4-in-6 peers match v4
// allowlist entries.
func peerAddr(conn net.Conn) (netip.Addr, bool) {
	tcp, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr := tcp.AddrPort().Addr().Unmap()
	return addr, addr.IsValid()
}
