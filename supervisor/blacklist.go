// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lanternview/lanternview/lib/clock"
	"github.com/lanternview/lanternview/lib/codec"
	"github.com/lanternview/lanternview/lib/plugindigest"
)

// Blacklist tracks consecutive failures per decoder identity and
// excludes decoders that keep taking the codec host down with them.
//
// Counts are keyed by the plugin file's content digest, so a renamed
// copy of a broken decoder stays blacklisted and an upgraded build
// starts clean. State survives supervisor restarts through a CBOR
// journal file written atomically on every change; a viewer that
// crashes into the same broken decoder on every launch would otherwise
// relearn the lesson each time.
type Blacklist struct {
	mu        sync.Mutex
	entries   map[plugindigest.Digest]*journalEntry
	threshold int
	path      string // empty disables persistence
	clk       clock.Clock
}

// journalEntry is one decoder's record in the persisted journal.
type journalEntry struct {
	Digest      string    `cbor:"digest"`
	Failures    int       `cbor:"failures"`
	LastFailure time.Time `cbor:"last_failure"`
}

// journalFile is the on-disk journal layout.
type journalFile struct {
	Entries []journalEntry `cbor:"entries"`
}

// NewBlacklist creates a blacklist that trips after threshold
// consecutive failures. If path is non-empty, existing journal state
// is loaded from it and every change is persisted back. A missing
// journal file is a clean start, not an error; a corrupt one is
// discarded with the returned error flagging it.
func NewBlacklist(threshold int, path string, clk clock.Clock) (*Blacklist, error) {
	b := &Blacklist{
		entries:   make(map[plugindigest.Digest]*journalEntry),
		threshold: threshold,
		path:      path,
		clk:       clk,
	}
	if path == "" {
		return b, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading blacklist journal %s: %w", path, err)
	}

	var journal journalFile
	if err := codec.Unmarshal(data, &journal); err != nil {
		// Corrupt journal: start clean but tell the caller, who logs
		// it. Refusing to start over a bad bookkeeping file would turn
		// a scratched journal into a broken viewer.
		return b, fmt.Errorf("discarding corrupt blacklist journal %s: %w", path, err)
	}
	for i := range journal.Entries {
		entry := journal.Entries[i]
		digest, err := plugindigest.Parse(entry.Digest)
		if err != nil {
			continue
		}
		b.entries[digest] = &entry
	}
	return b, nil
}

// IsBlacklisted reports whether the decoder has reached the failure
// threshold. Reads take only a brief lock; no I/O.
func (b *Blacklist) IsBlacklisted(decoder plugindigest.Digest) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[decoder]
	return ok && entry.Failures >= b.threshold
}

// RecordFailure charges one failure to the decoder and returns its new
// consecutive count.
func (b *Blacklist) RecordFailure(decoder plugindigest.Digest) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[decoder]
	if !ok {
		entry = &journalEntry{Digest: decoder.String()}
		b.entries[decoder] = entry
	}
	entry.Failures++
	entry.LastFailure = b.clk.Now()
	b.persistLocked()
	return entry.Failures
}

// RecordSuccess clears the decoder's consecutive-failure count. A
// decoder that completes a request is demonstrably alive; only
// uninterrupted failure streaks blacklist it.
func (b *Blacklist) RecordSuccess(decoder plugindigest.Digest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.entries[decoder]; ok && entry.Failures != 0 {
		delete(b.entries, decoder)
		b.persistLocked()
	}
}

// persistLocked writes the journal atomically: temporary file in the
// same directory, fsync, rename into place. Readers (including a
// future supervisor process) never observe a partial journal.
// Persistence failures are swallowed: the in-memory state is
// authoritative for this run, and a read-only state directory must not
// take down the bridge.
func (b *Blacklist) persistLocked() {
	if b.path == "" {
		return
	}

	journal := journalFile{}
	for _, entry := range b.entries {
		journal.Entries = append(journal.Entries, *entry)
	}
	// Stable order keeps the encoded journal byte-identical for the
	// same logical state.
	sort.Slice(journal.Entries, func(i, j int) bool {
		return journal.Entries[i].Digest < journal.Entries[j].Digest
	})

	data, err := codec.Marshal(journal)
	if err != nil {
		return
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0700); err != nil {
		return
	}
	temporaryPath := b.path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return
	}
	if err := os.Rename(temporaryPath, b.path); err != nil {
		os.Remove(temporaryPath)
	}
}
