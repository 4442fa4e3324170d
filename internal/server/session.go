package server

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hannanrazzaghi/ironchat/internal/hub"
	"github.com/hannanrazzaghi/ironchat/internal/monitoring"
	"github.com/hannanrazzaghi/ironchat/internal/protocol"
)

// errWriterGone means the writer pump exited (write error, peer gone) while
// the session still had something to send.
var errWriterGone = errors.New("writer pump exited")

// session is the per-connection state: the TLS conn, the buffered reader the
// driver goroutine owns, and the outbound queue the writer pump drains.
type session struct {
	srv    *Server
	conn   *tls.Conn
	ip     netip.Addr
	reader *bufio.Reader
	logger zerolog.Logger

	send       chan protocol.ServerMsg
	done       chan struct{} // closed by whoever removes the client
	writerDone chan struct{} // closed when the writer pump returns
	closeOnce  sync.Once
}

// runSession drives one admitted connection from TLS handshake to teardown.
func (s *Server) runSession(raw net.Conn, ip netip.Addr) {
	defer s.wg.Done()
	defer s.untrack(raw)

	logger := s.logger.With().Stringer("ip", ip).Logger()

	tlsConn := tls.Server(raw, s.cfg.TLS)
	tlsConn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := tlsConn.HandshakeContext(s.ctx); err != nil {
		logger.Debug().Err(err).Msg("tls handshake failed")
		raw.Close()
		return
	}
	tlsConn.SetDeadline(time.Time{})

	sess := &session{
		srv:        s,
		conn:       tlsConn,
		ip:         ip,
		reader:     bufio.NewReader(tlsConn),
		logger:     logger,
		send:       make(chan protocol.ServerMsg, hub.QueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	sess.run()
}

func (c *session) closeConn() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

func (c *session) run() {
	go func() {
		c.writePump()
		close(c.writerDone)
	}()

	if motd := c.srv.cfg.MOTD; motd != "" {
		c.sendDirect(protocol.Sys{Text: motd})
	}

	nick, err := c.initIdentity()
	if err != nil {
		c.logger.Debug().Err(err).Msg("session ended before identity was set")
		close(c.done)
		<-c.writerDone
		return
	}

	// The queue is registered before any further sends so broadcasts from
	// other sessions are never missed between replay and the command loop.
	handle := c.srv.cfg.Hub.AddClient(nick, c.ip, c.send, c.done)
	c.logger.Info().Str("nick", nick).Uint64("client_id", uint64(handle.ID)).Msg("client joined")

	c.replayHistory()
	c.srv.cfg.Hub.Broadcast(protocol.Sys{Text: nick + " joined"})

	reason := c.commandLoop(handle, nick)
	c.srv.disconnect(handle.ID, reason)
	<-c.writerDone
}

// writePump drains the outbound queue onto the socket, batching whatever is
// already queued into one buffered flush. It owns the conn's closure: when
// the session is removed or a write fails, the conn goes down with it, which
// in turn unblocks the reader.
func (c *session) writePump() {
	defer c.closeConn()
	w := bufio.NewWriter(c.conn)
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.writeLine(w, msg) {
				return
			}
			for n := len(c.send); n > 0; n-- {
				if !c.writeLine(w, <-c.send) {
					return
				}
			}
			if err := w.Flush(); err != nil {
				c.logger.Debug().Err(err).Msg("flush failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *session) writeLine(w *bufio.Writer, msg protocol.ServerMsg) bool {
	if _, err := w.WriteString(protocol.FormatServerMsg(msg)); err != nil {
		c.logger.Debug().Err(err).Msg("write failed")
		return false
	}
	if err := w.WriteByte('\n'); err != nil {
		c.logger.Debug().Err(err).Msg("write failed")
		return false
	}
	monitoring.MessagesSent.Inc()
	return true
}

// sendDirect queues a message for this client only, blocking until there is
// room. It returns false when the writer pump is gone, so callers do not
// block on a dead connection.
func (c *session) sendDirect(msg protocol.ServerMsg) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.writerDone:
		return false
	}
}

// readLine reads one LF-terminated line, applying the read deadline when
// idle is nonzero.
func (c *session) readLine(idle time.Duration) (string, error) {
	var deadline time.Time
	if idle > 0 {
		deadline = time.Now().Add(idle)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	return c.reader.ReadString('\n')
}

// initIdentity runs the pre-registration handshake and returns the nickname
// the session will join under. A lookup failure falls back to the fresh-nick
// prompt; a read or write failure ends the session.
func (c *session) initIdentity() (string, error) {
	rec, err := c.srv.cfg.Identities.Get(c.srv.ctx, c.ip)
	if err != nil {
		c.logger.Error().Err(err).Msg("identity lookup failed")
		rec = nil
	}
	if rec != nil {
		keep, err := c.offerKnownNick(rec.Nick)
		if err != nil {
			return "", err
		}
		if keep {
			return rec.Nick, nil
		}
	}
	return c.promptForNick()
}

// offerKnownNick asks whether to keep the stored nickname. It returns false
// when the client wants a new one or the stored nick is already live.
func (c *session) offerKnownNick(nick string) (bool, error) {
	prompt := protocol.Prompt{
		ID:   "keep_nick",
		Text: "Your nickname is " + nick + ". Change it? (y/N)",
	}
	if !c.sendDirect(prompt) {
		return false, errWriterGone
	}
	answer, err := c.readPromptReply("keep_nick")
	if err != nil {
		return false, err
	}
	if strings.HasPrefix(strings.ToLower(answer), "y") {
		return false, nil
	}
	if c.srv.cfg.Hub.NickTaken(nick) {
		c.sendDirect(protocol.Sys{Text: "nickname already taken"})
		return false, nil
	}
	return true, nil
}

// promptForNick loops until the client supplies a valid, free nickname, then
// persists the binding.
func (c *session) promptForNick() (string, error) {
	for {
		if !c.sendDirect(protocol.Prompt{ID: "nick", Text: "Choose nickname"}) {
			return "", errWriterGone
		}
		answer, err := c.readPromptReply("nick")
		if err != nil {
			return "", err
		}
		nick := strings.TrimSpace(answer)
		if nick == "" || len(nick) > protocol.MaxNick {
			if !c.sendDirect(protocol.Sys{Text: "invalid nickname"}) {
				return "", errWriterGone
			}
			continue
		}
		if c.srv.cfg.Hub.NickTaken(nick) {
			if !c.sendDirect(protocol.Sys{Text: "nickname already taken"}) {
				return "", errWriterGone
			}
			continue
		}
		if err := c.srv.cfg.Identities.Set(c.srv.ctx, c.ip, nick); err != nil {
			c.logger.Error().Err(err).Str("nick", nick).Msg("identity persist failed")
		}
		return nick, nil
	}
}

// readPromptReply reads lines until one is a PROMPT reply carrying
// promptID. Other traffic during the handshake is ignored.
func (c *session) readPromptReply(promptID string) (string, error) {
	for {
		line, err := c.readLine(0)
		if err != nil {
			return "", err
		}
		clean, ok := protocol.CleanLine(line)
		if !ok {
			continue
		}
		msg, err := protocol.ParseClientLine(clean)
		if err != nil {
			continue
		}
		if reply, ok := msg.(protocol.PromptReply); ok && reply.ID == promptID {
			return reply.Answer, nil
		}
	}
}

// replayHistory sends the retained chat lines to this client only,
// oldest-first, as HIST frames.
func (c *session) replayHistory() {
	items, err := c.srv.cfg.History.List(c.srv.ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("history replay failed")
		c.sendDirect(protocol.Sys{Text: "history unavailable"})
		return
	}
	for _, item := range items {
		if !c.sendDirect(protocol.Hist{Nick: item.Nick, Text: item.Text}) {
			return
		}
	}
}

// commandLoop processes parsed client commands until the session ends and
// returns the departure reason used in the leave announcement.
func (c *session) commandLoop(handle *hub.Handle, nick string) string {
	idle := c.srv.cfg.IdleTimeout
	for {
		line, err := c.readLine(idle)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				c.logger.Info().Str("nick", nick).Msg("idle timeout")
				return "idle timeout"
			}
			return "client left"
		}
		clean, ok := protocol.CleanLine(line)
		if !ok {
			continue
		}
		msg, err := protocol.ParseClientLine(clean)
		if err != nil {
			if !c.sendDirect(protocol.Sys{Text: "invalid command"}) {
				return "client left"
			}
			continue
		}
		monitoring.MessagesReceived.Inc()

		switch c.srv.cfg.Hub.CheckMessageRate(handle.ID, c.ip) {
		case hub.Warn:
			if !c.sendDirect(protocol.Sys{Text: "rate limit exceeded"}) {
				return "client left"
			}
			continue
		case hub.Disconnect:
			c.logger.Warn().Str("nick", nick).Msg("disconnecting rate-limited client")
			return "client left"
		}

		switch m := msg.(type) {
		case protocol.Nick:
			nick = c.handleNick(handle, nick, m.Name)
		case protocol.Say:
			c.handleSay(nick, m.Text)
		case protocol.Who:
			nicks := c.srv.cfg.Hub.Nicks()
			if !c.sendDirect(protocol.WhoList{Count: len(nicks), Nicks: nicks}) {
				return "client left"
			}
		case protocol.Quit:
			return "client left"
		case protocol.PromptReply:
			if !c.sendDirect(protocol.Sys{Text: "unexpected prompt"}) {
				return "client left"
			}
		}
	}
}

// handleNick applies a rename and returns the nick in effect afterwards.
func (c *session) handleNick(handle *hub.Handle, current, requested string) string {
	if len(requested) > protocol.MaxNick {
		c.sendDirect(protocol.Sys{Text: "nickname too long"})
		return current
	}
	if err := c.srv.cfg.Hub.Rename(handle.ID, requested); err != nil {
		if errors.Is(err, hub.ErrNickTaken) {
			c.sendDirect(protocol.Sys{Text: "nickname already taken"})
		} else {
			c.logger.Error().Err(err).Msg("rename failed")
		}
		return current
	}
	if err := c.srv.cfg.Identities.Set(c.srv.ctx, c.ip, requested); err != nil {
		c.logger.Warn().Err(err).Str("nick", requested).Msg("identity persist failed")
	}
	c.logger.Info().Str("old", current).Str("new", requested).Msg("nick changed")
	c.srv.cfg.Hub.Broadcast(protocol.Sys{Text: current + " is now " + requested})
	return requested
}

// handleSay records the line, fans it out, and evicts any client whose queue
// could not take it.
func (c *session) handleSay(nick, text string) {
	if err := c.srv.cfg.History.Push(c.srv.ctx, nick, text); err != nil {
		c.logger.Error().Err(err).Msg("history push failed")
	}
	slow := c.srv.cfg.Hub.BroadcastDetectSlow(protocol.Chat{Nick: nick, Text: text})
	for _, id := range slow {
		monitoring.SlowClientsEvicted.Inc()
		c.srv.disconnect(id, "slow consumer")
	}
}
