package features

import (
	"sort"
	"strings"
)

// Feature is one in-app capability the assistant may recommend.
type Feature struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
}

// DefaultFeatures is the whitelist used when configuration supplies none.
func DefaultFeatures() []Feature {
	return []Feature{
		{Name: "Health Score", Description: "a weekly score summarising your logged activity, sleep and mood", Keywords: []string{"score", "progress", "overall", "how am i doing"}},
		{Name: "Daily Check-In", Description: "a short daily questionnaire about how you feel", Keywords: []string{"check in", "check-in", "daily", "how i feel"}},
		{Name: "Symptom Journal", Description: "a place to record symptoms and when they happen", Keywords: []string{"symptom", "symptoms", "pain", "journal", "record"}},
		{Name: "Medication Reminders", Description: "reminders for taking your medicines on time", Keywords: []string{"reminder", "remind", "medication", "medicine", "tablets", "pills", "dose"}},
		{Name: "Care Plan", Description: "the goals and directives agreed with your care team", Keywords: []string{"care plan", "plan", "goals", "directive"}},
		{Name: "Activity Tracker", Description: "logs steps, walks and exercise sessions", Keywords: []string{"steps", "exercise", "walk", "walking", "activity", "workout"}},
		{Name: "Sleep Diary", Description: "records bedtime, wake time and sleep quality", Keywords: []string{"sleep", "insomnia", "bedtime", "tired"}},
		{Name: "Mood Tracker", Description: "tracks your mood over time", Keywords: []string{"mood", "feelings", "stress", "anxious", "sad"}},
		{Name: "Provider Finder", Description: "finds health and wellbeing services near you", Keywords: []string{"find", "near", "nearby", "clinic", "service"}},
		{Name: "Education Library", Description: "short articles and videos about managing your health", Keywords: []string{"learn", "article", "video", "information", "read"}},
	}
}

// Catalog is the closed whitelist of recommendable features.  It is
// immutable after construction.
type Catalog struct {
	features []Feature
	byName   map[string]Feature
}

func NewCatalog(list []Feature) *Catalog {
	if len(list) == 0 {
		list = DefaultFeatures()
	}
	c := &Catalog{byName: make(map[string]Feature, len(list))}
	for _, f := range list {
		key := normalizeName(f.Name)
		if key == "" {
			continue
		}
		if _, dup := c.byName[key]; dup {
			continue
		}
		c.byName[key] = f
		c.features = append(c.features, f)
	}
	return c
}

func (c *Catalog) All() []Feature {
	return append([]Feature(nil), c.features...)
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.features))
	for _, f := range c.features {
		out = append(out, f.Name)
	}
	return out
}

// Resolve looks up a feature by name, ignoring case, punctuation and
// spacing differences.
func (c *Catalog) Resolve(name string) (Feature, bool) {
	f, ok := c.byName[normalizeName(name)]
	return f, ok
}

// Closest returns the whitelisted feature most similar to name, if any is
// similar enough to be a plausible intended reference.
func (c *Catalog) Closest(name string) (Feature, bool) {
	if f, ok := c.Resolve(name); ok {
		return f, true
	}
	words := strings.Fields(normalizeName(name))
	if len(words) == 0 {
		return Feature{}, false
	}
	var best Feature
	bestScore := 0.0
	for _, f := range c.features {
		fw := strings.Fields(normalizeName(f.Name))
		score := jaccard(words, fw)
		if score > 0 && fw[0] == words[0] {
			score += 0.1
		}
		if score > bestScore {
			best, bestScore = f, score
		}
	}
	if bestScore < 0.33 {
		return Feature{}, false
	}
	return best, true
}

// Suggest ranks features whose name or keywords appear in query.
func (c *Catalog) Suggest(query string, limit int) []Feature {
	q := " " + normalizeName(query) + " "
	type scored struct {
		f     Feature
		score int
		order int
	}
	var hits []scored
	for i, f := range c.features {
		score := 0
		if strings.Contains(q, " "+normalizeName(f.Name)+" ") {
			score += 3
		}
		for _, k := range f.Keywords {
			if strings.Contains(q, " "+normalizeName(k)+" ") {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{f, score, i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Feature, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.f)
	}
	return out
}

func normalizeName(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return ' '
		}
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func jaccard(a, b []string) float64 {
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[w] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, w := range b {
		if seen[w] {
			continue
		}
		seen[w] = true
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
