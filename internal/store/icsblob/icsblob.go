// Package icsblob is the filesystem half of the Local Index: the raw
// ICS text of every calendar-object resource, stored one file per
// resource and referenced from event_records.ics_path. Adapted from
// the account filestore layout, trimmed to a single flat directory
// of text blobs since there is no per-calendar metadata or change log
// to maintain here — the SQLite index already owns that.
package icsblob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store manages the ICS blob files under root, for every account and
// collection that shares it.
type Store struct {
	root string
}

// New ensures root exists and returns a Store rooted there.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("icsblob: root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("icsblob: create root: %w", err)
	}
	return &Store{root: root}, nil
}

// Path returns the filename a blob for (uid, recurrenceID) would live
// at, without touching the filesystem. recurrenceID is empty for a
// resource holding only a master (the common case: master and its
// overrides usually share one file).
func (s *Store) Path(uid, recurrenceID string) string {
	name := sanitize(uid)
	if recurrenceID != "" {
		name += "_" + sanitize(recurrenceID)
	}
	return filepath.Join(s.root, name+".ics")
}

// Write atomically stores data at path (write to a temp file, then
// rename), so a concurrent reader never observes a partial blob.
func (s *Store) Write(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("icsblob: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("icsblob: rename %s: %w", tmp, err)
	}
	return nil
}

// Read returns the raw ICS text at path.
func (s *Store) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Remove deletes the blob at path, ignoring a not-exists error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("icsblob: remove %s: %w", path, err)
	}
	return nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
