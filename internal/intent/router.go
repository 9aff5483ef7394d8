package intent

import (
	"regexp"
	"strings"

	"keepgoing-assistant/pkg"
)

type Intent string

const (
	LocationLookup      Intent = "location-lookup"
	ToolAssisted        Intent = "tool-assisted"
	GeneralConversation Intent = "general-conversation"
)

// Entity keys set by the router.
const (
	EntityLocation = "location"
	EntityService  = "service"
	EntityFeature  = "feature"
)

// DefaultGate is the confidence below which no tool may be invoked.
const DefaultGate = 0.7

// ParsedQuery is the router's verdict for one message.  It is never
// persisted.
type ParsedQuery struct {
	Intent         Intent
	Entities       map[string]string
	Confidence     float64
	SafeForTooling bool
}

// EffectiveIntent is the path downstream components must take: a parse that
// is not safe for tooling is general conversation whatever its label.
func (q ParsedQuery) EffectiveIntent() Intent {
	if !q.SafeForTooling {
		return GeneralConversation
	}
	return q.Intent
}

// EntityScreen reports whether an extracted entity carries structured
// personal data (street address, phone, email) that must not leave the
// process as a tool argument.
type EntityScreen func(entity string) bool

// Router scores messages with fixed rules.  It is safe for concurrent use.
type Router struct {
	gate     float64
	screen   EntityScreen
	features []string
}

type Option func(*Router)

func WithGate(g float64) Option {
	return func(r *Router) {
		if g > 0 && g <= 1 {
			r.gate = g
		}
	}
}

func WithEntityScreen(s EntityScreen) Option {
	return func(r *Router) { r.screen = s }
}

// WithFeatureNames lets the router recognise references to in-app features.
func WithFeatureNames(names ...string) Option {
	return func(r *Router) {
		for _, n := range names {
			if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
				r.features = append(r.features, n)
			}
		}
	}
}

func NewRouter(opts ...Option) *Router {
	r := &Router{gate: DefaultGate}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) Gate() float64 { return r.gate }

var (
	searchVerb  = regexp.MustCompile(`(?i)\b(?:find|search(?: for)?|look(?:ing)? for|where (?:is|are|can i)|recommend|show me|any good|is there an?|are there any)\b`)
	serviceNoun = regexp.MustCompile(`(?i)\b(yoga (?:studio|class(?:es)?)|pilates (?:studio|class(?:es)?)|swimming pool|pool|gym|fitness (?:centre|center)|gp|doctors?|clinic|medical cent(?:re|er)|hospital|dentist|physio(?:therapist)?|pharmacy|chemist|psychologist|counsell?or|dietitian|nutritionist|podiatrist|optometrist|walking group|support group|park)\b`)
	proximity   = regexp.MustCompile(`(?i)\b(?:near(?:by)?|around|close to|in|at|walking distance(?: of| from)?)\b`)
	placeAfter  = regexp.MustCompile(`\b(?:[Nn]ear|[Aa]round|[Cc]lose to|[Ii]n|[Aa]t|of|from)\s+((?:[A-Z][\w'-]*)(?:\s+[A-Z][\w'-]*){0,3}|\d{4})\b`)
	shortPlace  = regexp.MustCompile(`^(?:(?i:in|near|around|at)\s+)?((?:[A-Z][\w'-]*)(?:\s+[A-Z][\w'-]*){0,3}|\d{4})[.!]?$`)
	askedWhere  = regexp.MustCompile(`(?i)\b(?:which|what) (?:suburb|area|town|city|postcode|location)\b|\bwhere (?:are you|do you live|are you located)\b`)

	featureCue = regexp.MustCompile(`(?i)\b(?:feature|the app|in the app|tracker|tab|section|reminders?|how do i (?:use|log|track|record|set up)|where do i (?:find|see|log)|keep track|track(?:ing)? my|log(?:ging)? my)\b`)
)

// Parse classifies a message.  history is the recent conversation, oldest
// first; it lets a bare place name answer an earlier "which suburb?".
func (r *Router) Parse(message string, history []pkg.ConversationTurn) ParsedQuery {
	msg := strings.TrimSpace(message)
	entities := make(map[string]string)

	locScore := 0.0
	if searchVerb.MatchString(msg) {
		locScore += 0.15
	}
	if m := serviceNoun.FindStringSubmatch(msg); m != nil {
		locScore += 0.35
		entities[EntityService] = strings.ToLower(m[1])
	}
	if proximity.MatchString(msg) {
		locScore += 0.35
	}
	if m := placeAfter.FindStringSubmatch(msg); m != nil {
		entities[EntityLocation] = strings.TrimSpace(m[1])
	}
	if _, ok := entities[EntityLocation]; !ok {
		if service, ok := followUpService(history); ok {
			if m := shortPlace.FindStringSubmatch(msg); m != nil {
				entities[EntityLocation] = m[1]
				if _, has := entities[EntityService]; !has {
					entities[EntityService] = service
				}
				locScore = 0.85
			}
		}
	}
	if entities[EntityLocation] != "" {
		locScore += 0.15
	}
	if locScore > 1 {
		locScore = 1
	}

	toolScore := 0.0
	if featureCue.MatchString(msg) {
		toolScore += 0.4
	}
	lower := strings.ToLower(msg)
	for _, f := range r.features {
		if strings.Contains(lower, f) {
			toolScore += 0.5
			entities[EntityFeature] = f
			break
		}
	}
	if toolScore > 1 {
		toolScore = 1
	}

	q := ParsedQuery{Entities: entities}
	switch {
	case locScore >= toolScore && locScore > 0:
		q.Intent, q.Confidence = LocationLookup, locScore
	case toolScore > 0:
		q.Intent, q.Confidence = ToolAssisted, toolScore
	default:
		q.Intent, q.Confidence = GeneralConversation, 1
	}
	q.SafeForTooling = r.safe(q)
	return q
}

func (r *Router) safe(q ParsedQuery) bool {
	if q.Intent == GeneralConversation || q.Confidence < r.gate {
		return false
	}
	if q.Intent == LocationLookup && strings.TrimSpace(q.Entities[EntityLocation]) == "" {
		return false
	}
	if r.screen != nil {
		for _, v := range q.Entities {
			if r.screen(v) {
				return false
			}
		}
	}
	return true
}

// followUpService reports whether the last assistant turn asked the
// patient where they are, and returns the service the patient was
// looking for before that.
func followUpService(history []pkg.ConversationTurn) (string, bool) {
	last := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == pkg.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 || !askedWhere.MatchString(history[last].Text) {
		return "", false
	}
	for i := last - 1; i >= 0; i-- {
		if history[i].Role != pkg.RolePatient {
			continue
		}
		if m := serviceNoun.FindStringSubmatch(history[i].Text); m != nil {
			return strings.ToLower(m[1]), true
		}
		return "", false
	}
	return "", false
}
