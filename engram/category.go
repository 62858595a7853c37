package engram

// Category is one of the structured-memory categories (spec §3/§4.5).
type Category string

const (
	CategoryPersonal    Category = "personal"
	CategoryProjects    Category = "projects"
	CategoryFacts       Category = "facts"
	CategoryPreferences Category = "preferences"
	CategorySession     Category = "session"
	CategoryPrivate     Category = "private"
)

// DefaultImportance returns the importance (1-5) a bare category carries
// absent caller override, per the categorizer rule table in spec §4.5.
func (c Category) DefaultImportance() int {
	switch c {
	case CategoryPersonal:
		return 5
	case CategoryPreferences:
		return 4
	case CategoryProjects:
		return 4
	case CategoryFacts:
		return 3
	case CategorySession:
		return 2
	case CategoryPrivate:
		return 3
	default:
		return 2
	}
}

// ClampImportance clamps a caller-supplied importance into the valid [1,5]
// range required by spec §3.
func ClampImportance(importance int) int {
	if importance < 1 {
		return 1
	}
	if importance > 5 {
		return 5
	}
	return importance
}
