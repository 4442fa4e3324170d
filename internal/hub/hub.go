// Package hub holds the in-memory registry of connected clients: the nick
// index, the per-connection and per-IP message-rate state, and the broadcast
// fan-out.
//
// All state lives behind a single mutex. The critical section only performs
// map work and non-blocking channel sends, never I/O, so it stays bounded at
// O(clients) per broadcast.
package hub

import (
	"errors"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hannanrazzaghi/ironchat/internal/monitoring"
	"github.com/hannanrazzaghi/ironchat/internal/protocol"
	"github.com/hannanrazzaghi/ironchat/internal/rate"
)

// ClientID identifies one live session. IDs are issued monotonically and
// never reused within a process.
type ClientID uint64

// QueueSize is the capacity of each client's outbound queue. A chat message
// that does not fit marks the client as a slow consumer.
const QueueSize = 64

// rateWindow is the period of both message-rate limiters.
const rateWindow = time.Second

var (
	// ErrNickTaken is returned by Rename when the nickname is held by another
	// live client (case-insensitive).
	ErrNickTaken = errors.New("nickname already taken")
	// ErrUnknownClient is returned by Rename for an unregistered id.
	ErrUnknownClient = errors.New("unknown client")
)

// Handle is the hub's view of one live client. Send is never closed; the
// remover closes Done instead, exactly once, which tells the session's writer
// to stop. That way a session blocked on its own Send cannot race a removal
// into a send on a closed channel.
type Handle struct {
	ID   ClientID
	Nick string
	IP   netip.Addr
	Send chan protocol.ServerMsg
	Done chan struct{}
}

// limiterState pairs a fixed-window limiter with its one-warning flag.
type limiterState struct {
	win    *rate.Window
	warned bool
}

// check runs the limiter and clears the warning on success.
func (s *limiterState) check() bool {
	ok := s.win.Allow()
	if ok {
		s.warned = false
	}
	return ok
}

// Verdict is the outcome of a message-rate check.
type Verdict int

const (
	// Admit lets the message through.
	Admit Verdict = iota
	// Warn drops the message and tells the client once.
	Warn
	// Disconnect ends the session: a limiter failed while already warned.
	Disconnect
)

// Hub is the process-wide client registry.
type Hub struct {
	mu        sync.Mutex
	clients   map[ClientID]*Handle
	nicks     map[string]struct{}
	nextID    ClientID
	ipRates   map[netip.Addr]*limiterState
	connRates map[ClientID]*limiterState

	connLimit int
	ipLimit   int

	logger zerolog.Logger
}

// New returns an empty hub with the given per-connection and per-IP message
// rate limits (events per second).
func New(connLimit, ipLimit int, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:   make(map[ClientID]*Handle),
		nicks:     make(map[string]struct{}),
		nextID:    1,
		ipRates:   make(map[netip.Addr]*limiterState),
		connRates: make(map[ClientID]*limiterState),
		connLimit: connLimit,
		ipLimit:   ipLimit,
		logger:    logger.With().Str("component", "hub").Logger(),
	}
}

// AddClient registers a client and returns its handle. The send channel must
// have capacity QueueSize; done is closed by whoever removes the client. The
// per-IP limiter is reused if one exists for ip, so reconnects do not reset
// the IP rate.
func (h *Hub) AddClient(nick string, ip netip.Addr, send chan protocol.ServerMsg, done chan struct{}) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	handle := &Handle{ID: id, Nick: nick, IP: ip, Send: send, Done: done}
	h.clients[id] = handle
	h.nicks[strings.ToLower(nick)] = struct{}{}
	h.connRates[id] = &limiterState{win: rate.NewWindow(h.connLimit, rateWindow)}
	if _, ok := h.ipRates[ip]; !ok {
		h.ipRates[ip] = &limiterState{win: rate.NewWindow(h.ipLimit, rateWindow)}
	}

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsCurrent.Set(float64(len(h.clients)))
	return handle
}

// RemoveClient unregisters id and returns its handle, or nil when unknown.
// The connection limiter is dropped with the client; the IP limiter stays so
// a reconnect keeps its window.
func (h *Hub) RemoveClient(id ClientID) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	handle, ok := h.clients[id]
	if !ok {
		return nil
	}
	delete(h.clients, id)
	delete(h.nicks, strings.ToLower(handle.Nick))
	delete(h.connRates, id)

	monitoring.ConnectionsCurrent.Set(float64(len(h.clients)))
	return handle
}

// Rename changes a client's nickname. Renaming to the same nick
// (case-insensitive) is a no-op success.
func (h *Hub) Rename(id ClientID, newNick string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	handle, ok := h.clients[id]
	if !ok {
		return ErrUnknownClient
	}
	norm := strings.ToLower(newNick)
	if strings.EqualFold(handle.Nick, newNick) {
		handle.Nick = newNick
		return nil
	}
	if _, taken := h.nicks[norm]; taken {
		return ErrNickTaken
	}
	delete(h.nicks, strings.ToLower(handle.Nick))
	handle.Nick = newNick
	h.nicks[norm] = struct{}{}
	return nil
}

// NickTaken reports whether nick is held by a live client, case-insensitive.
func (h *Hub) NickTaken(nick string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.nicks[strings.ToLower(nick)]
	return ok
}

// Nicks returns a snapshot of current display nicknames, in no particular
// order.
func (h *Hub) Nicks() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.clients))
	for _, handle := range h.clients {
		out = append(out, handle.Nick)
	}
	return out
}

// CheckMessageRate runs both limiters for one parsed command. Either limiter
// failing while its warning flag is set yields Disconnect; a first failure
// sets the flag and yields Warn. A successful check clears the flag for that
// limiter.
func (h *Hub) CheckMessageRate(id ClientID, ip netip.Addr) Verdict {
	h.mu.Lock()
	defer h.mu.Unlock()

	connOK := true
	if cr, ok := h.connRates[id]; ok {
		connOK = cr.check()
	}

	ir, ok := h.ipRates[ip]
	if !ok {
		ir = &limiterState{win: rate.NewWindow(h.ipLimit, rateWindow)}
		h.ipRates[ip] = ir
	}
	ipOK := ir.check()

	if connOK && ipOK {
		return Admit
	}

	disconnect := false
	if !connOK {
		monitoring.RateLimited.WithLabelValues("connection").Inc()
		if cr := h.connRates[id]; cr != nil {
			if cr.warned {
				disconnect = true
			} else {
				cr.warned = true
			}
		}
	}
	if !ipOK {
		monitoring.RateLimited.WithLabelValues("ip").Inc()
		if ir.warned {
			disconnect = true
		} else {
			ir.warned = true
		}
	}
	if disconnect {
		return Disconnect
	}
	return Warn
}

// Broadcast enqueues msg to every client, best-effort: a full queue drops the
// message for that recipient only. Used for SYS and HIST frames.
func (h *Hub) Broadcast(msg protocol.ServerMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, handle := range h.clients {
		select {
		case handle.Send <- msg:
		default:
			monitoring.BroadcastDropped.WithLabelValues("sys").Inc()
			h.logger.Warn().
				Uint64("client_id", uint64(id)).
				Str("nick", handle.Nick).
				Msg("client queue full, dropping message")
		}
	}
}

// BroadcastDetectSlow enqueues msg to every client and returns the ids whose
// queue rejected it, so the caller can evict them. Used for chat messages.
func (h *Hub) BroadcastDetectSlow(msg protocol.ServerMsg) []ClientID {
	h.mu.Lock()
	defer h.mu.Unlock()
	var slow []ClientID
	for id, handle := range h.clients {
		select {
		case handle.Send <- msg:
		default:
			monitoring.BroadcastDropped.WithLabelValues("chat").Inc()
			slow = append(slow, id)
		}
	}
	return slow
}
