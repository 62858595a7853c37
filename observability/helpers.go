package observability

import "github.com/engramhq/engram/engram"

// errKindOf returns the engram.ErrorKind string for err, or "" for nil.
func errKindOf(err error) string {
	if err == nil {
		return ""
	}
	return string(engram.KindOf(err))
}
