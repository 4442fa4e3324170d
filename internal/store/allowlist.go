package store

import (
	"fmt"
	"net/netip"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// AllowedList is the parsed form of allowed.toml. Entries are bare IP
// literals or CIDR networks; malformed entries are skipped when evaluating
// membership but preserved in the file.
type AllowedList struct {
	Allow []string `toml:"allow"`
}

// LoadAllowed reads an allowlist file. A missing file yields an empty list.
func LoadAllowed(path string) (*AllowedList, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &AllowedList{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	var list AllowedList
	if err := toml.Unmarshal(raw, &list); err != nil {
		// Damaged file: treat as empty rather than locking everyone in or out.
		return &AllowedList{}, nil
	}
	return &list, nil
}

// Save writes the allowlist atomically.
func (l *AllowedList) Save(path string) error {
	data, err := toml.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode allowlist: %w", err)
	}
	return atomicWrite(path, data)
}

// Prefixes expands entries to IP networks; bare IPs become /32 or /128.
func (l *AllowedList) Prefixes() []netip.Prefix {
	nets := make([]netip.Prefix, 0, len(l.Allow))
	for _, entry := range l.Allow {
		if p, err := netip.ParsePrefix(entry); err == nil {
			nets = append(nets, p.Masked())
			continue
		}
		if ip, err := netip.ParseAddr(entry); err == nil {
			nets = append(nets, netip.PrefixFrom(ip, ip.BitLen()))
		}
	}
	return nets
}

// Allows reports whether ip is a member of any allowed network.
func (l *AllowedList) Allows(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, net := range l.Prefixes() {
		if net.Contains(ip) {
			return true
		}
	}
	return false
}

// PendingEntry records denied connection attempts from one IP.
type PendingEntry struct {
	FirstSeen int64  `toml:"first_seen"`
	LastSeen  int64  `toml:"last_seen"`
	Attempts  uint64 `toml:"attempts"`
}

// PendingList is the parsed form of pending.toml.
type PendingList struct {
	Pending map[string]PendingEntry `toml:"pending"`
}

// LoadPending reads a pending file. A missing file yields an empty list.
func LoadPending(path string) (*PendingList, error) {
	list := &PendingList{Pending: make(map[string]PendingEntry)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return list, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending list: %w", err)
	}
	if err := toml.Unmarshal(raw, list); err != nil {
		return &PendingList{Pending: make(map[string]PendingEntry)}, nil
	}
	if list.Pending == nil {
		list.Pending = make(map[string]PendingEntry)
	}
	return list, nil
}

// Save writes the pending list atomically.
func (l *PendingList) Save(path string) error {
	data, err := toml.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode pending list: %w", err)
	}
	return atomicWrite(path, data)
}

// NoteAttempt upserts the entry for ip: first denial creates it with
// attempts=1, later denials bump last_seen and the attempt count.
func (l *PendingList) NoteAttempt(ip netip.Addr) {
	key := ip.String()
	now := nowUnix()
	entry, ok := l.Pending[key]
	if !ok {
		l.Pending[key] = PendingEntry{FirstSeen: now, LastSeen: now, Attempts: 1}
		return
	}
	entry.LastSeen = now
	entry.Attempts++
	l.Pending[key] = entry
}

// PendingItem pairs an IP literal with its pending entry for listing.
type PendingItem struct {
	IP    string
	Entry PendingEntry
}

// Gate is the admission decision point: it couples the allowlist file with
// the pending file and performs the load-check-upsert sequence on every
// accepted connection. Both files are reloaded per call; the accept path is
// not on the broadcast path and the files are small.
type Gate struct {
	AllowlistPath string
	PendingPath   string
	Logger        zerolog.Logger
}

// CheckOrNote reports whether ip is allowed. A denied IP is recorded in the
// pending file before returning.
func (g *Gate) CheckOrNote(ip netip.Addr) (bool, error) {
	allowed, err := LoadAllowed(g.AllowlistPath)
	if err != nil {
		return false, err
	}
	if allowed.Allows(ip) {
		return true, nil
	}
	pending, err := LoadPending(g.PendingPath)
	if err != nil {
		return false, err
	}
	pending.NoteAttempt(ip)
	if err := pending.Save(g.PendingPath); err != nil {
		return false, err
	}
	g.Logger.Info().Stringer("ip", ip).Msg("ip not approved, added to pending")
	return false, nil
}

// AddAllow appends an entry to the allowlist, deduplicated and sorted.
func (g *Gate) AddAllow(entry string) error {
	list, err := LoadAllowed(g.AllowlistPath)
	if err != nil {
		return err
	}
	for _, e := range list.Allow {
		if e == entry {
			return nil
		}
	}
	list.Allow = append(list.Allow, entry)
	sort.Strings(list.Allow)
	return list.Save(g.AllowlistPath)
}

// RemoveAllow drops an entry from the allowlist.
func (g *Gate) RemoveAllow(entry string) error {
	list, err := LoadAllowed(g.AllowlistPath)
	if err != nil {
		return err
	}
	kept := list.Allow[:0]
	for _, e := range list.Allow {
		if e != entry {
			kept = append(kept, e)
		}
	}
	list.Allow = kept
	return list.Save(g.AllowlistPath)
}

// ListAllow returns the allowlist entries as stored.
func (g *Gate) ListAllow() ([]string, error) {
	list, err := LoadAllowed(g.AllowlistPath)
	if err != nil {
		return nil, err
	}
	return list.Allow, nil
}

// ListPending returns pending entries sorted by IP literal.
func (g *Gate) ListPending() ([]PendingItem, error) {
	list, err := LoadPending(g.PendingPath)
	if err != nil {
		return nil, err
	}
	items := make([]PendingItem, 0, len(list.Pending))
	for ip, entry := range list.Pending {
		items = append(items, PendingItem{IP: ip, Entry: entry})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].IP < items[j].IP })
	return items, nil
}

// RemovePending drops one IP from the pending list.
func (g *Gate) RemovePending(ip string) error {
	list, err := LoadPending(g.PendingPath)
	if err != nil {
		return err
	}
	if _, ok := list.Pending[ip]; !ok {
		g.Logger.Warn().Str("ip", ip).Msg("pending ip not found")
		return nil
	}
	delete(list.Pending, ip)
	return list.Save(g.PendingPath)
}

// ClearPending empties the pending list.
func (g *Gate) ClearPending() error {
	list, err := LoadPending(g.PendingPath)
	if err != nil {
		return err
	}
	list.Pending = make(map[string]PendingEntry)
	return list.Save(g.PendingPath)
}
