package server

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hannanrazzaghi/ironchat/internal/hub"
	"github.com/hannanrazzaghi/ironchat/internal/protocol"
	"github.com/hannanrazzaghi/ironchat/internal/store"
)

const clientReadWait = 5 * time.Second

func testTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "chatd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

// startTestServer runs a server on a loopback port with 127.0.0.1 allowed and
// generous rate limits. mutate adjusts the config before start.
func startTestServer(t *testing.T, mutate func(*Config)) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.Nop()

	allowPath := filepath.Join(dir, "allowed.toml")
	list := &store.AllowedList{Allow: []string{"127.0.0.1"}}
	require.NoError(t, list.Save(allowPath))

	cfg := Config{
		Bind: "127.0.0.1:0",
		TLS:  testTLS(t),
		Gate: &store.Gate{
			AllowlistPath: allowPath,
			PendingPath:   filepath.Join(dir, "pending.toml"),
			Logger:        logger,
		},
		Identities: store.NewFileIdentityStore(filepath.Join(dir, "identities.toml"), logger),
		History:    store.NewMemoryHistory(store.HistoryBound),
		Hub:        hub.New(1000, 10000, logger),
		Logger:     logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := New(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)
	return srv, dir
}

type chatClient struct {
	t    *testing.T
	conn *tls.Conn
	r    *bufio.Reader
}

func dialChat(t *testing.T, srv *Server) *chatClient {
	t.Helper()
	conn, err := tls.Dial("tcp", srv.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &chatClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *chatClient) sendLine(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *chatClient) readMsg() protocol.ServerMsg {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(clientReadWait)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err, "reading server line")
	msg, err := protocol.ParseServerLine(line)
	require.NoError(c.t, err, "parsing %q", line)
	return msg
}

// waitFor reads messages until pred accepts one, skipping everything else.
func (c *chatClient) waitFor(pred func(protocol.ServerMsg) bool) protocol.ServerMsg {
	c.t.Helper()
	for i := 0; i < 300; i++ {
		msg := c.readMsg()
		if pred(msg) {
			return msg
		}
	}
	c.t.Fatal("message never arrived")
	return nil
}

func (c *chatClient) waitPrompt(id string) protocol.Prompt {
	c.t.Helper()
	msg := c.waitFor(func(m protocol.ServerMsg) bool {
		p, ok := m.(protocol.Prompt)
		return ok && p.ID == id
	})
	return msg.(protocol.Prompt)
}

func (c *chatClient) waitSys(substr string) protocol.Sys {
	c.t.Helper()
	msg := c.waitFor(func(m protocol.ServerMsg) bool {
		s, ok := m.(protocol.Sys)
		return ok && strings.Contains(s.Text, substr)
	})
	return msg.(protocol.Sys)
}

// joinFresh drives the first-contact handshake: answer an optional leading
// keep_nick prompt (sent when the IP already has a stored nick) with "change",
// then answer the nickname prompt and wait for the join announcement.
func (c *chatClient) joinFresh(nick string) {
	c.t.Helper()
	msg := c.waitFor(func(m protocol.ServerMsg) bool {
		p, ok := m.(protocol.Prompt)
		return ok && (p.ID == "nick" || p.ID == "keep_nick")
	})
	if msg.(protocol.Prompt).ID == "keep_nick" {
		c.sendLine("PROMPT keep_nick y")
		c.waitPrompt("nick")
	}
	c.sendLine("PROMPT nick " + nick)
	c.waitSys(nick + " joined")
}

func TestJoinBroadcastAndWho(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	alice := dialChat(t, srv)
	alice.joinFresh("alice")
	bob := dialChat(t, srv)
	bob.joinFresh("bob")

	alice.waitSys("bob joined")

	bob.sendLine("SAY hello there")
	for _, c := range []*chatClient{alice, bob} {
		msg := c.waitFor(func(m protocol.ServerMsg) bool {
			_, ok := m.(protocol.Chat)
			return ok
		})
		assert.Equal(t, protocol.Chat{Nick: "bob", Text: "hello there"}, msg)
	}

	alice.sendLine("WHO")
	msg := alice.waitFor(func(m protocol.ServerMsg) bool {
		_, ok := m.(protocol.WhoList)
		return ok
	})
	who := msg.(protocol.WhoList)
	assert.Equal(t, 2, who.Count)
	assert.ElementsMatch(t, []string{"alice", "bob"}, who.Nicks)
}

func TestMOTDAndInvalidCommand(t *testing.T) {
	srv, _ := startTestServer(t, func(cfg *Config) {
		cfg.MOTD = "welcome to the lounge"
	})

	c := dialChat(t, srv)
	first := c.readMsg()
	assert.Equal(t, protocol.Sys{Text: "welcome to the lounge"}, first, "motd precedes the handshake")
	c.waitPrompt("nick")
	c.sendLine("PROMPT nick alice")
	c.waitSys("alice joined")

	c.sendLine("BOGUS stuff")
	c.waitSys("invalid command")
}

func TestIdentityRemembered(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	first := dialChat(t, srv)
	first.joinFresh("carol")
	first.sendLine("QUIT")
	// The conn closes only after the hub removal, so once the read fails the
	// nick is free again.
	require.NoError(t, first.conn.SetReadDeadline(time.Now().Add(clientReadWait)))
	for {
		if _, err := first.r.ReadString('\n'); err != nil {
			break
		}
	}

	second := dialChat(t, srv)
	p := second.waitPrompt("keep_nick")
	assert.Contains(t, p.Text, "carol")
	second.sendLine("PROMPT keep_nick n")
	second.waitSys("carol joined")
}

func TestHistoryReplay(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	alice := dialChat(t, srv)
	alice.joinFresh("alice")
	for _, text := range []string{"one", "two", "three"} {
		alice.sendLine("SAY " + text)
		alice.waitFor(func(m protocol.ServerMsg) bool {
			chat, ok := m.(protocol.Chat)
			return ok && chat.Text == text
		})
	}

	bob := dialChat(t, srv)
	bob.waitPrompt("keep_nick")
	bob.sendLine("PROMPT keep_nick y")
	bob.waitPrompt("nick")
	bob.sendLine("PROMPT nick bob")

	var got []protocol.Hist
	for len(got) < 3 {
		if h, ok := bob.readMsg().(protocol.Hist); ok {
			got = append(got, h)
		}
	}
	assert.Equal(t, []protocol.Hist{
		{Nick: "alice", Text: "one"},
		{Nick: "alice", Text: "two"},
		{Nick: "alice", Text: "three"},
	}, got, "history replays oldest-first")
}

func TestRateLimitWarnThenDisconnect(t *testing.T) {
	srv, _ := startTestServer(t, func(cfg *Config) {
		cfg.Hub = hub.New(1, 10000, zerolog.Nop())
	})

	c := dialChat(t, srv)
	c.joinFresh("alice")

	c.sendLine("SAY first")
	c.waitFor(func(m protocol.ServerMsg) bool {
		_, ok := m.(protocol.Chat)
		return ok
	})

	c.sendLine("SAY second")
	c.waitSys("rate limit exceeded")

	c.sendLine("SAY third")
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(clientReadWait)))
	for {
		_, err := c.r.ReadString('\n')
		if err == nil {
			continue
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			t.Fatal("connection still open after second rate-limit strike")
		}
		return // server closed the connection
	}
}

func TestAdmissionDenied(t *testing.T) {
	dir := t.TempDir()
	logger := zerolog.Nop()
	pendingPath := filepath.Join(dir, "pending.toml")

	cfg := Config{
		Bind: "127.0.0.1:0",
		TLS:  testTLS(t),
		Gate: &store.Gate{
			AllowlistPath: filepath.Join(dir, "allowed.toml"), // absent: nobody allowed
			PendingPath:   pendingPath,
			Logger:        logger,
		},
		Identities: store.NewFileIdentityStore(filepath.Join(dir, "identities.toml"), logger),
		History:    store.NewMemoryHistory(store.HistoryBound),
		Hub:        hub.New(1000, 10000, logger),
		Logger:     logger,
	}
	srv := New(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)

	c := dialChat(t, srv)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(clientReadWait)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "SYS Not approved. Ask admin.\n", line)

	_, err = c.r.ReadString('\n')
	assert.Error(t, err, "connection closes after the denial line")

	pending, err := store.LoadPending(pendingPath)
	require.NoError(t, err)
	entry, ok := pending.Pending["127.0.0.1"]
	require.True(t, ok, "denied ip lands on the pending list")
	assert.Equal(t, uint64(1), entry.Attempts)
}

func TestNickChangeRules(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	alice := dialChat(t, srv)
	alice.joinFresh("alice")
	dave := dialChat(t, srv)
	dave.joinFresh("dave")

	dave.sendLine("NICK " + strings.Repeat("x", protocol.MaxNick+1))
	dave.waitSys("nickname too long")

	dave.sendLine("NICK ALICE")
	dave.waitSys("nickname already taken")

	dave.sendLine("NICK eve")
	dave.waitSys("dave is now eve")
	alice.waitSys("dave is now eve")

	alice.sendLine("WHO")
	msg := alice.waitFor(func(m protocol.ServerMsg) bool {
		_, ok := m.(protocol.WhoList)
		return ok
	})
	assert.ElementsMatch(t, []string{"alice", "eve"}, msg.(protocol.WhoList).Nicks)
}

func TestHandshakeNickTaken(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	alice := dialChat(t, srv)
	alice.joinFresh("alice")

	// Same IP, so the second connection is offered alice's stored nick.
	// Keeping it must fail while alice is still live.
	second := dialChat(t, srv)
	keep := second.waitPrompt("keep_nick")
	assert.Contains(t, keep.Text, "alice")
	second.sendLine("PROMPT keep_nick n")
	second.waitSys("nickname already taken")

	p := second.waitPrompt("nick")
	assert.Equal(t, "Choose nickname", p.Text)

	// Picking the taken nick at the prompt re-prompts as well.
	second.sendLine("PROMPT nick alice")
	second.waitSys("nickname already taken")
	second.waitPrompt("nick")
	second.sendLine("PROMPT nick bob")
	second.waitSys("bob joined")
}

func TestNicknameLengthBoundary(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	c := dialChat(t, srv)
	c.waitPrompt("nick")
	c.sendLine("PROMPT nick " + strings.Repeat("n", protocol.MaxNick+1))
	c.waitSys("invalid nickname")
	c.waitPrompt("nick")
	exact := strings.Repeat("n", protocol.MaxNick)
	c.sendLine("PROMPT nick " + exact)
	c.waitSys(exact + " joined")
}

func TestSlowConsumerEvicted(t *testing.T) {
	srv, _ := startTestServer(t, func(cfg *Config) {
		cfg.Hub = hub.New(1000000, 1000000, zerolog.Nop())
	})

	slow := dialChat(t, srv)
	slow.joinFresh("sloth")
	// sloth stops reading here.

	fast := dialChat(t, srv)
	fast.joinFresh("rabbit")

	// Drain rabbit's own feed while flooding, so only sloth's queue fills.
	evicted := make(chan struct{})
	go func() {
		defer close(evicted)
		for {
			fast.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			line, err := fast.r.ReadString('\n')
			if err != nil {
				return
			}
			if strings.Contains(line, "sloth left (slow consumer)") {
				return
			}
		}
	}()

	payload := strings.Repeat("a", 900)
	for i := 0; i < 600; i++ {
		fast.sendLine("SAY " + payload)
	}

	select {
	case <-evicted:
	case <-time.After(10 * time.Second):
		t.Fatal("slow consumer was never evicted")
	}
}

type remoteOnlyConn struct {
	net.Conn
	remote net.Addr
}

func (c remoteOnlyConn) RemoteAddr() net.Addr { return c.remote }

func TestPeerAddrUnmaps(t *testing.T) {
	conn := remoteOnlyConn{remote: &net.TCPAddr{IP: net.ParseIP("::ffff:192.0.2.7"), Port: 9}}
	ip, ok := peerAddr(conn)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.0.2.7"), ip)
}
