// Package session implements the bounded rolling session log (spec §3,
// C10): a fixed-size ring buffer of a client's recent session entries,
// flushed atomically and reloadable newest-first.
package session

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/engramhq/engram/engram"
)

// DefaultSize is the ring buffer's default capacity.
const DefaultSize = 200

type entry struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
}

type fileShape struct {
	Entries []entry `json:"entries"`
}

// Log is a per-client bounded session ring buffer.
type Log struct {
	mu      sync.Mutex
	path    string
	size    int
	entries []entry // oldest first; overflow drops from the front
	dirty   bool
}

// Open loads a session log at dataDir/sessions/<clientID>.session.json,
// or creates an empty one.
func Open(dataDir, clientID string, size int) (*Log, error) {
	if size <= 0 {
		size = DefaultSize
	}
	l := &Log{
		path: dataDir + "/sessions/" + clientID + ".session.json",
		size: size,
	}

	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		var f fileShape
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, engram.Wrap(engram.KindInternal, "corrupt session log file", err)
		}
		l.entries = f.Entries
		l.trimLocked()
	case os.IsNotExist(err):
		// fresh log
	default:
		return nil, engram.Wrap(engram.KindStorageUnavailable, "read session log file", err)
	}
	return l, nil
}

func (l *Log) trimLocked() {
	if len(l.entries) > l.size {
		l.entries = l.entries[len(l.entries)-l.size:]
	}
}

// Write appends a session entry, evicting the oldest one silently if the
// buffer is already full.
func (l *Log) Write(content string, metadata engram.Metadata) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if metadata == nil {
		metadata = engram.Metadata{}
	}
	if _, ok := metadata["timestamp"]; !ok {
		metadata["timestamp"] = engram.StringValue(time.Now().UTC().Format(time.RFC3339Nano))
	}

	l.entries = append(l.entries, entry{Content: content, Metadata: metadata.ToNative()})
	l.trimLocked()
	l.dirty = true
}

// Entry is a session log entry returned by Load.
type Entry struct {
	Content  string
	Metadata engram.Metadata
}

// Load returns the most recent limit entries, newest first. limit <= 0
// returns every entry held.
func (l *Log) Load(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Entry, 0, n)
	for i := len(l.entries) - 1; i >= 0 && len(out) < n; i-- {
		e := l.entries[i]
		out = append(out, Entry{Content: e.Content, Metadata: engram.MetadataFromNative(e.Metadata)})
	}
	return out
}

// Flush persists the log to disk as a single atomic write.
func (l *Log) Flush() error {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(fileShape{Entries: l.entries}, "", "  ")
	l.mu.Unlock()
	if err != nil {
		return engram.Wrap(engram.KindInternal, "marshal session log", err)
	}

	if err := engram.AtomicWriteFile(l.path, data, 0o600); err != nil {
		return engram.Wrap(engram.KindStorageUnavailable, "flush session log", err)
	}

	l.mu.Lock()
	l.dirty = false
	l.mu.Unlock()
	return nil
}
