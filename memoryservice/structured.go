package memoryservice

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/engramhq/engram/categorize"
	"github.com/engramhq/engram/engram"
)

// structuredNamespace is where every structured memory (including private
// ones) is persisted, regardless of category.
const structuredNamespace = engram.NamespaceLongterm

// StructuredMemory is a memory record enriched with category, importance,
// and tags (spec §3).
type StructuredMemory struct {
	ID         string
	Content    string
	Category   engram.Category
	Importance int
	Tags       []string
	Metadata   engram.Metadata
}

func tagsFromMetadata(m engram.Metadata) []string {
	v, ok := m["tags"]
	if !ok {
		return nil
	}
	list, ok := v.AsList()
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.AsString(); ok {
			out = append(out, s)
		}
	}
	return out
}

func categoryFromMetadata(m engram.Metadata) engram.Category {
	v, ok := m["category"]
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return engram.Category(s)
}

func importanceFromMetadata(m engram.Metadata) int {
	v, ok := m["importance"]
	if !ok {
		return 0
	}
	n, _ := v.AsNumber()
	return int(n)
}

func toStructuredMemory(id, content string, metadata engram.Metadata) StructuredMemory {
	return StructuredMemory{
		ID:         id,
		Content:    content,
		Category:   categoryFromMetadata(metadata),
		Importance: importanceFromMetadata(metadata),
		Tags:       tagsFromMetadata(metadata),
		Metadata:   metadata,
	}
}

// AddMemory inserts a structured memory. id is generated from category and
// the current time so it is self-describing and parseable (spec §3). A nil
// importance uses the category's default; out-of-range values are clamped.
func (s *Service) AddMemory(ctx context.Context, content string, category engram.Category, importance *int, tags []string, metadata engram.Metadata) (string, error) {
	if content == "" {
		return "", engram.NewError(engram.KindInvalidArgument, "content must not be empty")
	}

	imp := category.DefaultImportance()
	if importance != nil {
		imp = engram.ClampImportance(*importance)
	}

	if metadata == nil {
		metadata = engram.Metadata{}
	}
	metadata = metadata.Clone()
	metadata["category"] = engram.StringValue(string(category))
	metadata["importance"] = engram.NumberValue(float64(imp))
	if len(tags) > 0 {
		tagValues := make([]engram.MetadataValue, len(tags))
		for i, t := range tags {
			tagValues[i] = engram.StringValue(t)
		}
		metadata["tags"] = engram.ListValue(tagValues)
	}

	id := engram.NewStructuredID(category, time.Now().UTC())
	return s.addWithID(ctx, structuredNamespace, id, content, metadata)
}

// AddAutoCategorized classifies content with the categorizer (C5) before
// storing it.
func (s *Service) AddAutoCategorized(ctx context.Context, content string) (string, error) {
	category, importance := categorize.Classify(content)
	return s.AddMemory(ctx, content, category, &importance, nil, nil)
}

// GetMemory returns a structured memory by id. Private memories cannot be
// read through this path — use GetPrivate.
func (s *Service) GetMemory(id string) (StructuredMemory, error) {
	rec, err := s.st.Get(structuredNamespace, id)
	if err != nil {
		return StructuredMemory{}, err
	}
	if categoryFromMetadata(rec.Metadata) == engram.CategoryPrivate {
		return StructuredMemory{}, engram.NewError(engram.KindPermissionDenied, "use GetPrivate to read private memories")
	}
	return toStructuredMemory(rec.ID, rec.Content, rec.Metadata), nil
}

// SortBy selects the ordering applied by SearchMemories.
type SortBy string

const (
	SortByImportance SortBy = "importance"
	SortByRecency    SortBy = "recency"
	SortByRelevance  SortBy = "relevance"
)

// MemoryFilter narrows SearchMemories results.
type MemoryFilter struct {
	Query         string
	Categories    []engram.Category
	MinImportance int
	Tags          []string
	Limit         int
	SortBy        SortBy
}

// SearchMemories filters and ranks structured memories. Private memories
// are always excluded, since their content field is ciphertext.
func (s *Service) SearchMemories(filter MemoryFilter) ([]StructuredMemory, error) {
	records, err := s.st.List(structuredNamespace)
	if err != nil {
		return nil, err
	}

	allowedCategories := make(map[engram.Category]bool, len(filter.Categories))
	for _, c := range filter.Categories {
		allowedCategories[c] = true
	}
	requiredTags := make(map[string]bool, len(filter.Tags))
	for _, t := range filter.Tags {
		requiredTags[t] = true
	}

	type scored struct {
		mem   StructuredMemory
		score float64
	}
	var matches []scored

	for _, rec := range records {
		mem := toStructuredMemory(rec.ID, rec.Content, rec.Metadata)
		if mem.Category == engram.CategoryPrivate {
			continue
		}
		if len(allowedCategories) > 0 && !allowedCategories[mem.Category] {
			continue
		}
		if mem.Importance < filter.MinImportance {
			continue
		}
		if len(requiredTags) > 0 && !hasAllTags(mem.Tags, requiredTags) {
			continue
		}

		score := 1.0
		if filter.Query != "" {
			score = lexicalOverlapScore(filter.Query, mem.Content)
			if score <= 0 {
				continue
			}
		}
		matches = append(matches, scored{mem: mem, score: score})
	}

	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = SortByImportance
	}
	sort.SliceStable(matches, func(i, j int) bool {
		switch sortBy {
		case SortByRecency:
			return metadataTimestamp(matches[i].mem.Metadata).After(metadataTimestamp(matches[j].mem.Metadata))
		case SortByRelevance:
			if matches[i].score != matches[j].score {
				return matches[i].score > matches[j].score
			}
			return matches[i].mem.ID < matches[j].mem.ID
		default: // importance
			if matches[i].mem.Importance != matches[j].mem.Importance {
				return matches[i].mem.Importance > matches[j].mem.Importance
			}
			return metadataTimestamp(matches[i].mem.Metadata).After(metadataTimestamp(matches[j].mem.Metadata))
		}
	})

	limit := filter.Limit
	if limit <= 0 || limit > len(matches) {
		limit = len(matches)
	}
	out := make([]StructuredMemory, 0, limit)
	for _, m := range matches[:limit] {
		out = append(out, m.mem)
	}
	return out, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func hasAllTags(tags []string, required map[string]bool) bool {
	present := make(map[string]bool, len(tags))
	for _, t := range tags {
		present[t] = true
	}
	for t := range required {
		if !present[t] {
			return false
		}
	}
	return true
}

// lexicalOverlapScore is the fraction of whitespace-separated query words
// that occur as substrings of content, case-insensitively. It is simpler
// than the namespace store's lexical score: no punctuation splitting, no
// exact-token matching and no length penalty.
func lexicalOverlapScore(query, content string) float64 {
	qTokens := strings.Fields(strings.ToLower(query))
	if len(qTokens) == 0 {
		return 0
	}
	cLower := strings.ToLower(content)
	hits := 0
	for _, t := range qTokens {
		if strings.Contains(cLower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(qTokens))
}

// categoryDisplayOrder fixes GetMemoryDigest's section order so output is
// byte-identical across runs on identical state.
var categoryDisplayOrder = []engram.Category{
	engram.CategoryPersonal,
	engram.CategoryProjects,
	engram.CategoryFacts,
	engram.CategoryPreferences,
	engram.CategorySession,
	engram.CategoryPrivate,
}

// GetMemoryDigest renders up to maxMemories structured memories as a
// markdown digest, grouped by category, each item prefixed with a star
// rating equal to its importance.
func (s *Service) GetMemoryDigest(maxMemories int, includePrivate bool) (string, error) {
	records, err := s.st.List(structuredNamespace)
	if err != nil {
		return "", err
	}

	var pool []StructuredMemory
	for _, rec := range records {
		mem := toStructuredMemory(rec.ID, rec.Content, rec.Metadata)
		if mem.Category == engram.CategoryPrivate {
			if !includePrivate {
				continue
			}
			plaintext, err := s.decryptPrivate(rec)
			if err != nil {
				continue
			}
			mem.Content = plaintext
		}
		pool = append(pool, mem)
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Importance != pool[j].Importance {
			return pool[i].Importance > pool[j].Importance
		}
		return metadataTimestamp(pool[i].Metadata).After(metadataTimestamp(pool[j].Metadata))
	})
	if maxMemories > 0 && maxMemories < len(pool) {
		pool = pool[:maxMemories]
	}

	grouped := make(map[engram.Category][]StructuredMemory)
	for _, mem := range pool {
		grouped[mem.Category] = append(grouped[mem.Category], mem)
	}

	var b strings.Builder
	b.WriteString("# Memory Digest\n\n")
	for _, cat := range categoryDisplayOrder {
		items := grouped[cat]
		if len(items) == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("## %s\n", capitalize(string(cat))))
		for _, mem := range items {
			b.WriteString(strings.Repeat("★", mem.Importance))
			b.WriteString(" ")
			b.WriteString(mem.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}
