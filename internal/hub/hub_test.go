package hub

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannanrazzaghi/ironchat/internal/protocol"
)

func testHub() *Hub {
	return New(5, 20, zerolog.Nop())
}

func newQueue() chan protocol.ServerMsg {
	return make(chan protocol.ServerMsg, QueueSize)
}

func addClient(h *Hub, nick string, q chan protocol.ServerMsg) *Handle {
	return h.AddClient(nick, testIP, q, make(chan struct{}))
}

var testIP = netip.MustParseAddr("127.0.0.1")

func TestAddRemoveClient(t *testing.T) {
	h := testHub()

	a := addClient(h, "Alice", newQueue())
	b := addClient(h, "bob", newQueue())
	assert.NotEqual(t, a.ID, b.ID)
	assert.Greater(t, b.ID, a.ID, "ids are monotone")

	assert.True(t, h.NickTaken("alice"))
	assert.True(t, h.NickTaken("ALICE"))
	assert.ElementsMatch(t, []string{"Alice", "bob"}, h.Nicks())

	removed := h.RemoveClient(a.ID)
	require.NotNil(t, removed)
	assert.Equal(t, "Alice", removed.Nick)
	assert.False(t, h.NickTaken("alice"))

	assert.Nil(t, h.RemoveClient(a.ID), "second removal is a no-op")
}

func TestRename(t *testing.T) {
	h := testHub()
	a := addClient(h, "alice", newQueue())
	addClient(h, "bob", newQueue())

	require.ErrorIs(t, h.Rename(a.ID, "BOB"), ErrNickTaken)

	require.NoError(t, h.Rename(a.ID, "carol"))
	assert.False(t, h.NickTaken("alice"), "old nick released after rename")
	assert.True(t, h.NickTaken("carol"))

	// Case-only change of one's own nick is a no-op success.
	require.NoError(t, h.Rename(a.ID, "CAROL"))

	require.ErrorIs(t, h.Rename(ClientID(999), "dave"), ErrUnknownClient)
}

func TestNickSetMatchesClients(t *testing.T) {
	h := testHub()
	ids := make([]ClientID, 0)
	for _, nick := range []string{"Alice", "Bob", "Carol"} {
		ids = append(ids, addClient(h, nick, newQueue()).ID)
	}
	require.NoError(t, h.Rename(ids[0], "Dave"))
	h.RemoveClient(ids[1])

	nicks := h.Nicks()
	seen := map[string]bool{}
	for _, n := range nicks {
		low := strings.ToLower(n)
		assert.False(t, seen[low], "duplicate lowercase nick %q", low)
		seen[low] = true
		assert.True(t, h.NickTaken(n))
	}
	assert.Len(t, nicks, 2)
}

func TestBroadcastReachesAll(t *testing.T) {
	h := testHub()
	qa, qb := newQueue(), newQueue()
	addClient(h, "alice", qa)
	addClient(h, "bob", qb)

	msg := protocol.Chat{Nick: "alice", Text: "hello"}
	slow := h.BroadcastDetectSlow(msg)
	assert.Empty(t, slow)

	assert.Equal(t, msg, <-qa, "sender receives its own message back")
	assert.Equal(t, msg, <-qb)
}

func TestBroadcastDetectSlowCollectsFullQueues(t *testing.T) {
	h := testHub()
	slowQ := newQueue()
	fastQ := newQueue()
	slowClient := addClient(h, "slow", slowQ)
	addClient(h, "fast", fastQ)

	for i := 0; i < QueueSize; i++ {
		slowQ <- protocol.Sys{Text: "filler"}
	}

	evict := h.BroadcastDetectSlow(protocol.Chat{Nick: "fast", Text: "hi"})
	require.Len(t, evict, 1)
	assert.Equal(t, slowClient.ID, evict[0])

	// The fast client still got the message exactly once.
	assert.Equal(t, protocol.Chat{Nick: "fast", Text: "hi"}, <-fastQ)
	select {
	case m := <-fastQ:
		t.Fatalf("unexpected extra delivery: %#v", m)
	default:
	}
}

func TestBroadcastDropsForFullQueueWithoutEviction(t *testing.T) {
	h := testHub()
	q := newQueue()
	addClient(h, "slow", q)
	for i := 0; i < QueueSize; i++ {
		q <- protocol.Sys{Text: "filler"}
	}

	// Plain broadcast logs and drops; the client stays registered.
	h.Broadcast(protocol.Sys{Text: "motd"})
	assert.True(t, h.NickTaken("slow"))
}

func TestCheckMessageRateWarnThenDisconnect(t *testing.T) {
	h := New(1, 100, zerolog.Nop())
	a := addClient(h, "alice", newQueue())

	assert.Equal(t, Admit, h.CheckMessageRate(a.ID, testIP))
	assert.Equal(t, Warn, h.CheckMessageRate(a.ID, testIP), "first failure warns")
	assert.Equal(t, Disconnect, h.CheckMessageRate(a.ID, testIP), "second failure in same window disconnects")
}

func TestIPRateSharedAcrossConnections(t *testing.T) {
	h := New(100, 1, zerolog.Nop())
	a := addClient(h, "alice", newQueue())
	b := addClient(h, "bob", newQueue())

	assert.Equal(t, Admit, h.CheckMessageRate(a.ID, testIP))
	assert.Equal(t, Warn, h.CheckMessageRate(b.ID, testIP), "ip window is shared")
}

func TestIPRateStickyAcrossReconnect(t *testing.T) {
	h := New(100, 1, zerolog.Nop())
	a := addClient(h, "alice", newQueue())
	assert.Equal(t, Admit, h.CheckMessageRate(a.ID, testIP))
	h.RemoveClient(a.ID)

	b := addClient(h, "alice", newQueue())
	assert.Equal(t, Warn, h.CheckMessageRate(b.ID, testIP), "reconnect must not reset the ip window")
}
