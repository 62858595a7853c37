package engram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns an opaque unique id, used for plain (unstructured) memory
// ids, message ids, thought ids and key ids.
func NewID() string {
	return uuid.NewString()
}

// NewStructuredID builds a structured-memory id of the form
// "<category>-<epoch>-<rand>" (spec §3), which ParseStructuredID parses back.
// epoch is Unix nanoseconds so ties within the same second still sort and
// parse unambiguously; rand is a short uuid suffix.
func NewStructuredID(category Category, now time.Time) string {
	rand := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%s-%d-%s", category, now.UnixNano(), rand)
}

// ParseStructuredID recovers category and creation time from an id built by
// NewStructuredID. ok is false if id does not have the expected shape.
func ParseStructuredID(id string) (category Category, created time.Time, ok bool) {
	parts := strings.Split(id, "-")
	if len(parts) < 3 {
		return "", time.Time{}, false
	}
	// category itself may never contain '-', so the last two fields are
	// always the epoch and the rand suffix; everything before is the
	// category (defensive in case a future category name is hyphenated).
	epochStr := parts[len(parts)-2]
	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	category = Category(strings.Join(parts[:len(parts)-2], "-"))
	return category, time.Unix(0, epoch), true
}
