// Package protocol implements the line-oriented wire format spoken between
// chatd and its clients. One logical message per LF-terminated line; a
// trailing CR is stripped. Lines are capped at MaxLine bytes, nicknames at
// MaxNick bytes.
package protocol

import (
	"strconv"
	"strings"
)

const (
	// MaxLine is the maximum length of a cleaned line, in bytes.
	MaxLine = 1024
	// MaxNick is the maximum nickname length, in bytes.
	MaxNick = 32
)

// ParseError reports why a line could not be parsed. The reason is sent back
// to the offending client verbatim-adjacent ("SYS invalid command"), so it
// stays short and descriptive.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return e.Reason }

func parseErr(reason string) error { return &ParseError{Reason: reason} }

// ClientMsg is a message sent from a client to the server.
type ClientMsg interface{ clientMsg() }

// Nick requests a nickname change.
type Nick struct{ Name string }

// Say submits a chat line.
type Say struct{ Text string }

// Who requests the list of connected nicknames.
type Who struct{}

// Quit ends the session.
type Quit struct{}

// PromptReply answers a server Prompt with a matching ID.
type PromptReply struct {
	ID     string
	Answer string
}

func (Nick) clientMsg()        {}
func (Say) clientMsg()         {}
func (Who) clientMsg()         {}
func (Quit) clientMsg()        {}
func (PromptReply) clientMsg() {}

// ServerMsg is a message sent from the server to a client.
type ServerMsg interface{ serverMsg() }

// Sys is a system notice.
type Sys struct{ Text string }

// Chat is a chat line relayed from another (or the same) client.
type Chat struct {
	Nick string
	Text string
}

// Hist is a replayed history line, distinguished from live chat so clients
// can render it differently.
type Hist struct {
	Nick string
	Text string
}

// WhoList answers a Who request.
type WhoList struct {
	Count int
	Nicks []string
}

// Prompt asks the client a question; the client answers with a PromptReply
// carrying the same ID.
type Prompt struct {
	ID   string
	Text string
}

func (Sys) serverMsg()     {}
func (Chat) serverMsg()    {}
func (Hist) serverMsg()    {}
func (WhoList) serverMsg() {}
func (Prompt) serverMsg()  {}

// CleanLine strips trailing CR/LF, truncates to MaxLine bytes, and trims
// surrounding whitespace. ok is false when nothing remains.
func CleanLine(line string) (clean string, ok bool) {
	s := strings.TrimRight(line, "\r\n")
	if len(s) > MaxLine {
		s = s[:MaxLine]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

// splitVerb separates the case-insensitive first token from the remainder.
func splitVerb(s string) (verb, rest string) {
	verb, rest, _ = strings.Cut(s, " ")
	return strings.ToUpper(verb), rest
}

// ParseClientLine parses one client line. The returned error is a *ParseError
// with a human-readable reason.
func ParseClientLine(line string) (ClientMsg, error) {
	clean, ok := CleanLine(line)
	if !ok {
		return nil, parseErr("empty line")
	}
	verb, rest := splitVerb(clean)
	rest = strings.TrimSpace(rest)
	switch verb {
	case "NICK":
		if rest == "" {
			return nil, parseErr("missing nickname")
		}
		return Nick{Name: rest}, nil
	case "SAY":
		if rest == "" {
			return nil, parseErr("empty message")
		}
		return Say{Text: rest}, nil
	case "WHO":
		return Who{}, nil
	case "QUIT":
		return Quit{}, nil
	case "PROMPT":
		id, answer, _ := strings.Cut(rest, " ")
		id = strings.TrimSpace(id)
		answer = strings.TrimSpace(answer)
		if id == "" || answer == "" {
			return nil, parseErr("invalid prompt reply")
		}
		return PromptReply{ID: id, Answer: answer}, nil
	default:
		return nil, parseErr("unknown command")
	}
}

// FormatClientMsg renders a client message as a wire line, without the
// trailing LF.
func FormatClientMsg(msg ClientMsg) string {
	switch m := msg.(type) {
	case Nick:
		return "NICK " + m.Name
	case Say:
		return "SAY " + m.Text
	case Who:
		return "WHO"
	case Quit:
		return "QUIT"
	case PromptReply:
		return "PROMPT " + m.ID + " " + m.Answer
	default:
		return ""
	}
}

// FormatServerMsg renders a server message as a wire line, without the
// trailing LF.
func FormatServerMsg(msg ServerMsg) string {
	switch m := msg.(type) {
	case Sys:
		return "SYS " + m.Text
	case Chat:
		return "MSG " + m.Nick + " " + m.Text
	case Hist:
		return "HIST " + m.Nick + " " + m.Text
	case WhoList:
		return "WHO " + strconv.Itoa(m.Count) + " " + strings.Join(m.Nicks, " ")
	case Prompt:
		return "PROMPT " + m.ID + " " + m.Text
	default:
		return ""
	}
}

// ParseServerLine parses one server line. Used by chatctl and by tests.
func ParseServerLine(line string) (ServerMsg, error) {
	clean, ok := CleanLine(line)
	if !ok {
		return nil, parseErr("empty line")
	}
	verb, rest := splitVerb(clean)
	switch verb {
	case "SYS":
		return Sys{Text: rest}, nil
	case "MSG":
		nick, text, _ := strings.Cut(rest, " ")
		if nick == "" || text == "" {
			return nil, parseErr("invalid MSG")
		}
		return Chat{Nick: nick, Text: text}, nil
	case "HIST":
		nick, text, _ := strings.Cut(rest, " ")
		if nick == "" || text == "" {
			return nil, parseErr("invalid HIST")
		}
		return Hist{Nick: nick, Text: text}, nil
	case "WHO":
		countStr, tail, _ := strings.Cut(rest, " ")
		count, err := strconv.Atoi(countStr)
		if err != nil {
			count = 0
		}
		return WhoList{Count: count, Nicks: strings.Fields(tail)}, nil
	case "PROMPT":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" || text == "" {
			return nil, parseErr("invalid PROMPT")
		}
		return Prompt{ID: id, Text: text}, nil
	default:
		return nil, parseErr("unknown command")
	}
}
