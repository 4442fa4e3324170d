// Package store holds chatd's persistence: the TOML-backed allowlist,
// pending list and identities file, the bounded chat history, and the
// optional redis-backed remote variants of the identity and history stores.
package store

import (
	"fmt"
	"os"
	"time"
)

// nowUnix returns the current time in seconds since the epoch. Overridable in
// tests.
var nowUnix = func() int64 { return time.Now().Unix() }

// atomicWrite persists data by writing a sibling .tmp file and renaming it
// over the target, so readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
