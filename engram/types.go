// Package engram provides the shared domain types for the memory engine:
// error kinds, the metadata value union, and the small set of types every
// component (store, index, service, mailbox) exchanges across its boundary.
package engram

import "fmt"

// ErrorKind enumerates the typed failure modes the core surfaces across its
// boundary (spec §6, §7). The core never panics or returns a bare error to a
// caller crossing that boundary; it returns a *Error carrying one of these.
type ErrorKind string

const (
	KindUnknownNamespace ErrorKind = "UnknownNamespace"
	KindNotFound         ErrorKind = "NotFound"
	KindInvalidArgument  ErrorKind = "InvalidArgument"
	KindUnknownRecipient ErrorKind = "UnknownRecipient"
	KindNoSuchParent     ErrorKind = "NoSuchParent"
	KindStorageUnavailable ErrorKind = "StorageUnavailable"
	KindEmbedUnavailable ErrorKind = "EmbedUnavailable"
	KindPermissionDenied ErrorKind = "PermissionDenied"
	KindDeadlineExceeded ErrorKind = "DeadlineExceeded"
	KindInternal         ErrorKind = "Internal"
)

// Error is the typed error every public operation returns. Detail is a
// human-readable string; it is never parsed by callers, only logged or
// displayed. Cause, when present, is the underlying error that triggered
// Internal or StorageUnavailable.
type Error struct {
	Kind   ErrorKind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a typed error with no underlying cause.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds a typed error that records cause for diagnostics.
func Wrap(kind ErrorKind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// KindOf extracts the ErrorKind from err, returning KindInternal for any
// error that did not originate from this package.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return KindInternal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// MetadataValue is a tagged union over the JSON-scalar-plus-container types
// metadata maps may hold (spec §9 redesign guidance: dynamically-typed
// content blobs become a tagged union, not interface{} soup). The zero value
// is Null.
type MetadataValue struct {
	kind matKind
	s    string
	n    float64
	b    bool
	list []MetadataValue
	m    map[string]MetadataValue
}

type matKind int

const (
	matNull matKind = iota
	matString
	matNumber
	matBool
	matList
	matMap
)

func StringValue(s string) MetadataValue { return MetadataValue{kind: matString, s: s} }
func NumberValue(n float64) MetadataValue { return MetadataValue{kind: matNumber, n: n} }
func BoolValue(b bool) MetadataValue      { return MetadataValue{kind: matBool, b: b} }
func NullValue() MetadataValue            { return MetadataValue{kind: matNull} }
func ListValue(items []MetadataValue) MetadataValue {
	return MetadataValue{kind: matList, list: items}
}
func MapValue(m map[string]MetadataValue) MetadataValue {
	return MetadataValue{kind: matMap, m: m}
}

func (v MetadataValue) IsNull() bool { return v.kind == matNull }

func (v MetadataValue) AsString() (string, bool) {
	if v.kind != matString {
		return "", false
	}
	return v.s, true
}

func (v MetadataValue) AsNumber() (float64, bool) {
	if v.kind != matNumber {
		return 0, false
	}
	return v.n, true
}

func (v MetadataValue) AsBool() (bool, bool) {
	if v.kind != matBool {
		return false, false
	}
	return v.b, true
}

func (v MetadataValue) AsList() ([]MetadataValue, bool) {
	if v.kind != matList {
		return nil, false
	}
	return v.list, true
}

func (v MetadataValue) AsMap() (map[string]MetadataValue, bool) {
	if v.kind != matMap {
		return nil, false
	}
	return v.m, true
}

// Native converts a MetadataValue back to a plain interface{} suitable for
// JSON marshaling.
func (v MetadataValue) Native() interface{} {
	switch v.kind {
	case matString:
		return v.s
	case matNumber:
		return v.n
	case matBool:
		return v.b
	case matList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.Native()
		}
		return out
	case matMap:
		out := make(map[string]interface{}, len(v.m))
		for k, item := range v.m {
			out[k] = item.Native()
		}
		return out
	default:
		return nil
	}
}

// FromNative builds a MetadataValue from a value produced by
// encoding/json.Unmarshal into interface{} (i.e. one of string, float64,
// bool, nil, []interface{}, map[string]interface{}).
func FromNative(v interface{}) MetadataValue {
	switch t := v.(type) {
	case string:
		return StringValue(t)
	case float64:
		return NumberValue(t)
	case int:
		return NumberValue(float64(t))
	case bool:
		return BoolValue(t)
	case []interface{}:
		items := make([]MetadataValue, len(t))
		for i, item := range t {
			items[i] = FromNative(item)
		}
		return ListValue(items)
	case map[string]interface{}:
		m := make(map[string]MetadataValue, len(t))
		for k, item := range t {
			m[k] = FromNative(item)
		}
		return MapValue(m)
	default:
		return NullValue()
	}
}

// Metadata is the string-keyed map of MetadataValue that every memory
// record and message carries (spec §3).
type Metadata map[string]MetadataValue

// ToNative converts a Metadata map to plain map[string]interface{} for JSON
// marshaling.
func (m Metadata) ToNative() map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v.Native()
	}
	return out
}

// MetadataFromNative converts a plain map[string]interface{} (as produced by
// json.Unmarshal) into Metadata.
func MetadataFromNative(m map[string]interface{}) Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = FromNative(v)
	}
	return out
}

// Clone returns a deep copy, since records hand out their metadata by value
// to callers who must not be able to mutate stored state.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = FromNative(v.Native())
	}
	return out
}

// ConversationTurn is one turn of a conversation passed to
// MemoryService.AddConversation (spec §4.6); it plays the role the
// teacher's agenkit.Message played for chat history, narrowed to the two
// fields the spec actually names.
type ConversationTurn struct {
	Role    string
	Content string
}
