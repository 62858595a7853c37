package store

import (
	"sort"
	"strings"
)

// tokenize lowercases and splits on anything that isn't an ASCII letter or
// digit (so non-ASCII letters also act as separators),
// matching the teacher's simple whitespace/punctuation tokenizer used for
// keyword matching elsewhere in the corpus.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

// lexicalScore returns the fraction of query tokens present in content,
// normalized by content length so short, focused matches outrank long
// documents that merely happen to contain every query word once. A query
// with no tokens scores zero against everything; Store.LexicalSearchScored
// handles that case separately by returning the most recent records
// instead of an empty set.
func lexicalScore(query, content string) float64 {
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return 0
	}
	cTokens := tokenize(content)
	if len(cTokens) == 0 {
		return 0
	}

	present := make(map[string]bool, len(cTokens))
	for _, t := range cTokens {
		present[t] = true
	}

	hits := 0
	for _, t := range qTokens {
		if present[t] {
			hits++
		}
	}
	if hits == 0 {
		return 0
	}

	overlap := float64(hits) / float64(len(qTokens))
	lengthPenalty := 1.0 / (1.0 + float64(len(cTokens))/float64(len(qTokens)))
	return overlap * (0.5 + 0.5*lengthPenalty)
}

type scoredRecord struct {
	record Record
	score  float64
}

// rankByLexicalScore scores every record against query and returns the
// non-zero matches ordered by score desc, then timestamp desc, then id
// ascending, matching the store's deterministic tie-break rule.
func rankByLexicalScore(query string, records []Record) []scoredRecord {
	scored := make([]scoredRecord, 0, len(records))
	for _, r := range records {
		s := lexicalScore(query, r.Content)
		if s <= 0 {
			continue
		}
		scored = append(scored, scoredRecord{record: r, score: s})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		ti, tj := scored[i].record.Timestamp(), scored[j].record.Timestamp()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return scored[i].record.ID < scored[j].record.ID
	})
	return scored
}
