package finalize

import (
	"regexp"
	"sort"
	"strings"

	"keepgoing-assistant/internal/features"
)

var (
	// "Sleep Coach feature", "Goals tab"
	featureByNoun = regexp.MustCompile(`\b((?:[A-Z][\w'-]*\s+){0,3}[A-Z][\w'-]*)\s+(?:feature|tab|section|tool|page|screen)\b`)
	// "Mood Tracker", "Daily Check-In"
	featureBySuffix = regexp.MustCompile(`\b((?:[A-Z][\w'-]*\s+){0,3}(?:Tracker|Diary|Journal|Reminders?|Score|Plan|Library|Finder|Check-In|Planner|Log|Coach|Dashboard|Timer|Calculator))\b`)
)

var leadingFiller = map[string]bool{
	"The": true, "Our": true, "Your": true, "Use": true, "Using": true, "Try": true, "Open": true,
	"Visit": true, "In": true, "On": true, "With": true, "My": true, "A": true, "An": true, "This": true,
	"Go": true, "To": true, "See": true, "Check": true, "Head": true,
}

type featureEdit struct {
	start, end int
	replace    string
	detail     string
}

// enforceWhitelist rewrites references to features that are not in the
// catalog: a close match is substituted, otherwise the sentence is dropped.
func enforceWhitelist(text string, catalog *features.Catalog) (string, []Correction) {
	if catalog == nil || text == "" {
		return text, nil
	}
	var edits []featureEdit
	seen := make(map[int]bool)
	for _, re := range []*regexp.Regexp{featureByNoun, featureBySuffix} {
		for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
			start, end := idx[2], idx[3]
			if seen[start] {
				continue
			}
			name, offset := stripFiller(text[start:end])
			if name == "" || known(catalog, name) {
				continue
			}
			seen[start] = true
			start += offset
			if f, ok := catalog.Closest(name); ok {
				edits = append(edits, featureEdit{start: start, end: end, replace: f.Name, detail: "unknown feature replaced with " + f.Name})
				continue
			}
			s, e := sentenceBounds(text, start, end)
			edits = append(edits, featureEdit{start: s, end: e, detail: "sentence naming an unknown feature removed"})
		}
	}
	if len(edits) == 0 {
		return text, nil
	}

	sort.Slice(edits, func(i, j int) bool { return edits[i].start > edits[j].start })
	var corrections []Correction
	out := text
	limit := len(text) + 1
	for _, ed := range edits {
		if ed.end > limit {
			continue
		}
		out = out[:ed.start] + ed.replace + out[ed.end:]
		limit = ed.start
		corrections = append(corrections, Correction{Stage: StageFeatureWhitelist, Detail: ed.detail})
	}
	return tidy(out), corrections
}

// known accepts a phrase when it, or any trailing run of its words, is a
// whitelisted feature name.
func known(catalog *features.Catalog, name string) bool {
	words := strings.Fields(name)
	for i := range words {
		if _, ok := catalog.Resolve(strings.Join(words[i:], " ")); ok {
			return true
		}
	}
	return false
}

func stripFiller(phrase string) (string, int) {
	offset := 0
	rest := phrase
	for {
		word, after, found := strings.Cut(rest, " ")
		if !found || !leadingFiller[word] {
			break
		}
		offset += len(word) + 1
		rest = strings.TrimLeft(after, " ")
		offset += len(after) - len(rest)
	}
	return rest, offset
}

func sentenceBounds(text string, start, end int) (int, int) {
	s := strings.LastIndexAny(text[:start], ".!?\n")
	if s < 0 {
		s = 0
	} else {
		s++
	}
	e := strings.IndexAny(text[end:], ".!?\n")
	if e < 0 {
		e = len(text)
	} else {
		e = end + e + 1
	}
	return s, e
}

var multiSpace = regexp.MustCompile(`[ \t]{2,}`)

func tidy(s string) string {
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}
