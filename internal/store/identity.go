package store

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// IdentityRecord binds an IP to the last nickname it used.
type IdentityRecord struct {
	Nick    string `toml:"nick" json:"nick"`
	Updated int64  `toml:"updated" json:"updated"`
}

// IdentityStore is the persistent IP → nickname binding consulted during the
// identity handshake. Implementations must enforce case-insensitive nick
// uniqueness at persistence time: when two IPs hold the same lowercase nick,
// the record with the larger Updated wins and the loser is dropped.
type IdentityStore interface {
	Get(ctx context.Context, ip netip.Addr) (*IdentityRecord, error)
	Set(ctx context.Context, ip netip.Addr, nick string) error
	Remove(ctx context.Context, ip netip.Addr) error
	List(ctx context.Context) (map[netip.Addr]IdentityRecord, error)
}

// FileIdentityStore keeps identities in a flat TOML file keyed by IP literal,
// rewritten atomically on every mutation.
type FileIdentityStore struct {
	path   string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewFileIdentityStore returns a store backed by the TOML file at path. The
// file is created on first write.
func NewFileIdentityStore(path string, logger zerolog.Logger) *FileIdentityStore {
	return &FileIdentityStore{
		path:   path,
		logger: logger.With().Str("component", "identities").Logger(),
	}
}

func (s *FileIdentityStore) load() (map[string]IdentityRecord, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]IdentityRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identities: %w", err)
	}
	records := map[string]IdentityRecord{}
	if err := toml.Unmarshal(raw, &records); err != nil {
		return map[string]IdentityRecord{}, nil
	}
	return records, nil
}

// save rewrites the file, resolving nick collisions across IPs: for each
// lowercase nick only the most recently updated binding survives. Ties keep
// the binding encountered first in IP order.
func (s *FileIdentityStore) save(records map[string]IdentityRecord) error {
	ips := make([]string, 0, len(records))
	for ip := range records {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	type binding struct {
		ip  string
		rec IdentityRecord
	}
	byNick := map[string]binding{}
	for _, ip := range ips {
		rec := records[ip]
		key := strings.ToLower(rec.Nick)
		if held, ok := byNick[key]; ok && held.rec.Updated >= rec.Updated {
			continue
		}
		byNick[key] = binding{ip: ip, rec: rec}
	}

	cleaned := make(map[string]IdentityRecord, len(byNick))
	for _, b := range byNick {
		cleaned[b.ip] = b.rec
	}

	data, err := toml.Marshal(cleaned)
	if err != nil {
		return fmt.Errorf("encode identities: %w", err)
	}
	return atomicWrite(s.path, data)
}

// Get returns the record for ip, or nil when none is stored.
func (s *FileIdentityStore) Get(_ context.Context, ip netip.Addr) (*IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	rec, ok := records[ip.String()]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Set upserts the binding for ip with Updated set to now.
func (s *FileIdentityStore) Set(_ context.Context, ip netip.Addr, nick string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	records[ip.String()] = IdentityRecord{Nick: nick, Updated: nowUnix()}
	return s.save(records)
}

// Remove drops the binding for ip, if any.
func (s *FileIdentityStore) Remove(_ context.Context, ip netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	delete(records, ip.String())
	return s.save(records)
}

// List returns every stored binding. Entries with unparseable IPs are logged
// and skipped.
func (s *FileIdentityStore) List(_ context.Context) (map[netip.Addr]IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[netip.Addr]IdentityRecord, len(records))
	for ipStr, rec := range records {
		ip, err := netip.ParseAddr(ipStr)
		if err != nil {
			s.logger.Warn().Str("ip", ipStr).Msg("invalid ip in identities file")
			continue
		}
		out[ip] = rec
	}
	return out, nil
}

