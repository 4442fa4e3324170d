// chatctl is a terminal client for chatd. It connects over TLS, drives the
// nickname handshake, and turns typed lines into protocol commands.
package main

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/hannanrazzaghi/ironchat/internal/protocol"
)

type clientOpts struct {
	connect  string
	nick     string
	caFile   string
	insecure bool
}

func main() {
	opts := &clientOpts{}
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Terminal client for chatd",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(opts)
		},
	}
	flags := root.Flags()
	flags.StringVar(&opts.connect, "connect", "127.0.0.1:5555", "server address")
	flags.StringVar(&opts.nick, "nick", "", "answer nickname prompts with this name")
	flags.StringVar(&opts.caFile, "ca", "", "PEM file with the server CA certificate")
	flags.BoolVar(&opts.insecure, "insecure", false, "skip server certificate verification")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func tlsConfig(opts *clientOpts) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.insecure {
		fmt.Fprintln(os.Stderr, "warning: certificate verification disabled")
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}
	if opts.caFile != "" {
		pem, err := os.ReadFile(opts.caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", opts.caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// client holds the connection and the id of the prompt awaiting an answer,
// shared between the receive goroutine and the stdin loop.
type client struct {
	conn *tls.Conn
	opts *clientOpts

	mu            sync.Mutex
	pendingPrompt string
	nickAnswered  bool
}

func run(opts *clientOpts) error {
	cfg, err := tlsConfig(opts)
	if err != nil {
		return err
	}
	conn, err := tls.Dial("tcp", opts.connect, cfg)
	if err != nil {
		return fmt.Errorf("connect %s: %w", opts.connect, err)
	}
	defer conn.Close()
	fmt.Printf("connected to %s\n", opts.connect)

	c := &client{conn: conn, opts: opts}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.receiveLoop()
	}()
	go c.stdinLoop()

	<-done
	fmt.Println("disconnected")
	return nil
}

func (c *client) sendLine(line string) {
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		fmt.Fprintln(os.Stderr, "send failed:", err)
	}
}

func (c *client) receiveLoop() {
	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		msg, err := protocol.ParseServerLine(line)
		if err != nil {
			continue
		}
		c.render(msg)
	}
}

func (c *client) render(msg protocol.ServerMsg) {
	stamp := time.Now().Format("15:04:05")
	switch m := msg.(type) {
	case protocol.Chat:
		fmt.Printf("%s <%s> %s\n", stamp, m.Nick, m.Text)
	case protocol.Hist:
		fmt.Printf("%s [history] <%s> %s\n", stamp, m.Nick, m.Text)
	case protocol.Sys:
		fmt.Printf("%s * %s\n", stamp, m.Text)
	case protocol.WhoList:
		fmt.Printf("%s * online (%d): %s\n", stamp, m.Count, strings.Join(m.Nicks, " "))
	case protocol.Prompt:
		c.handlePrompt(m, stamp)
	}
}

// handlePrompt answers handshake prompts automatically when --nick was given,
// otherwise shows the question and routes the next typed line to it.
func (c *client) handlePrompt(p protocol.Prompt, stamp string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.nick != "" {
		switch {
		case p.ID == "keep_nick":
			c.sendLine("PROMPT keep_nick y")
			return
		case p.ID == "nick" && !c.nickAnswered:
			c.nickAnswered = true
			c.sendLine("PROMPT nick " + c.opts.nick)
			return
		}
	}
	c.pendingPrompt = p.ID
	fmt.Printf("%s ? %s\n", stamp, p.Text)
}

func (c *client) stdinLoop() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, protocol.MaxLine+2), protocol.MaxLine+2)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		c.mu.Lock()
		pending := c.pendingPrompt
		c.pendingPrompt = ""
		c.mu.Unlock()
		if pending != "" {
			c.sendLine("PROMPT " + pending + " " + text)
			continue
		}

		switch {
		case text == "/help":
			fmt.Println("commands: /nick <name>, /who, /quit; anything else is sent as chat")
		case strings.HasPrefix(text, "/nick "):
			c.sendLine("NICK " + strings.TrimSpace(strings.TrimPrefix(text, "/nick ")))
		case text == "/who":
			c.sendLine("WHO")
		case text == "/quit":
			c.sendLine("QUIT")
			return
		case strings.HasPrefix(text, "/"):
			fmt.Println("unknown command; try /help")
		default:
			c.sendLine("SAY " + text)
		}
	}
}
