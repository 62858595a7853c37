package store

import (
	"time"

	"github.com/engramhq/engram/engram"
)

// Record is a memory record as persisted by the namespace store (spec §3,
// C3). When an embedding was computed at add time, its vector is carried
// alongside the record so C4 can be rebuilt from C3 alone if its own
// persisted index is lost or drifts out of sync.
type Record struct {
	ID       string
	Content  string
	Metadata engram.Metadata
	Vector   []float32
}

// HasVector reports whether this record carries an embedding.
func (r Record) HasVector() bool { return len(r.Vector) > 0 }

// Timestamp returns the record's recorded timestamp metadata, or the zero
// time if missing or malformed. Used for tie-breaking by recency.
func (r Record) Timestamp() time.Time {
	v, ok := r.Metadata["timestamp"]
	if !ok {
		return time.Time{}
	}
	s, ok := v.AsString()
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// recordJSON is the on-disk shape of a record (spec §3/§6): {"id",
// "content", "metadata", and an optional "vector"} — the embedding is
// persisted in C3 itself so C4 can be rebuilt from it.
type recordJSON struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
	Vector   []float32              `json:"vector,omitempty"`
}

func (r Record) toJSON() recordJSON {
	return recordJSON{ID: r.ID, Content: r.Content, Metadata: r.Metadata.Clone().ToNative(), Vector: r.Vector}
}

func fromJSON(j recordJSON) Record {
	return Record{ID: j.ID, Content: j.Content, Metadata: engram.MetadataFromNative(j.Metadata), Vector: j.Vector}
}
