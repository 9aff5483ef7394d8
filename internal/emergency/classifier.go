package emergency

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"keepgoing-assistant/internal/apperr"
)

// Category is the kind of emergency a message describes.  Declaration order
// breaks confidence ties.
type Category int

const (
	SelfHarm Category = iota
	LifeThreateningMedical
	SeriousInjury
	GeneralMedicalEmergency
)

func (c Category) String() string {
	switch c {
	case SelfHarm:
		return "self_harm"
	case LifeThreateningMedical:
		return "life_threatening_medical"
	case SeriousInjury:
		return "serious_injury"
	case GeneralMedicalEmergency:
		return "general_medical_emergency"
	default:
		return "unknown"
	}
}

// DefaultThreshold is the confidence at or above which a message is an
// emergency.
const DefaultThreshold = 0.7

// Signal is the classifier verdict for one message.  SourceText is kept only
// long enough to compose an alert.
type Signal struct {
	IsEmergency bool
	Category    Category
	Confidence  float64
	SourceText  string
}

type pattern struct {
	re     *regexp.Regexp
	weight float64
}

type rule struct {
	category Category
	patterns []pattern
}

func p(expr string, weight float64) pattern {
	return pattern{re: regexp.MustCompile(`\b(?:` + expr + `)\b`), weight: weight}
}

// defaultRules run over NFKC-normalised, lower-cased text with straight
// apostrophes.
var defaultRules = []rule{
	{SelfHarm, []pattern{
		p(`kill(?:ing)? myself`, 0.95),
		p(`end(?:ing)? (?:my|it all|my own) life|end it all`, 0.95),
		p(`take my (?:own )?life`, 0.95),
		p(`suicid(?:e|al)`, 0.9),
		p(`(?:want|wanna|going) to die`, 0.9),
		p(`better off dead`, 0.9),
		p(`overdos(?:e|ing) on purpose`, 0.9),
		p(`hurt(?:ing)? myself|harm(?:ing)? myself|self[- ]harm|cut(?:ting)? myself`, 0.85),
		p(`no reason to live|don't want to (?:live|be here)`, 0.8),
		p(`hopeless`, 0.4),
	}},
	{LifeThreateningMedical, []pattern{
		p(`not breathing|stopped breathing`, 0.95),
		p(`can't breathe|cannot breathe|can not breathe|struggling to breathe`, 0.9),
		p(`heart attack|cardiac arrest`, 0.9),
		p(`having a stroke|face (?:is )?drooping|slurred speech`, 0.9),
		p(`unconscious|unresponsive|won't wake up|passed out`, 0.9),
		p(`anaphyla(?:xis|ctic)|throat (?:is )?(?:closing|swelling)`, 0.9),
		p(`overdos(?:e|ed|ing)|took too many (?:pills|tablets)`, 0.85),
		p(`seizure|fitting`, 0.8),
		p(`chest pain|crushing (?:chest )?pain|pain in my chest`, 0.8),
		p(`blood sugar (?:is )?(?:very |really )?low|hypo(?:glycaemic|glycemic)? (?:and|attack)`, 0.75),
		p(`short(?:ness)? of breath`, 0.6),
	}},
	{SeriousInjury, []pattern{
		p(`bleeding (?:heavily|a lot|badly)|won't stop bleeding|can't stop the bleeding`, 0.85),
		p(`broken (?:bone|leg|arm|neck|back)|bone (?:is )?sticking out`, 0.8),
		p(`severe burn|badly burn(?:ed|t)`, 0.8),
		p(`hit (?:my|his|her|their) head|head injury|concussion`, 0.75),
		p(`car (?:accident|crash)|was hit by a car`, 0.75),
		p(`fell (?:down|over) and can't get up|can't get up`, 0.7),
		p(`deep cut`, 0.6),
	}},
	{GeneralMedicalEmergency, []pattern{
		p(`call(?:ing)? (?:000|911|999|112|an ambulance)`, 0.75),
		p(`need an ambulance|send an ambulance`, 0.75),
		p(`medical emergency`, 0.75),
		p(`ambulance`, 0.7),
		p(`emergency`, 0.6),
		p(`urgent help|need help now`, 0.6),
	}},
}

// ErrMalformedMessage is returned for text that cannot be scanned reliably.
var ErrMalformedMessage = errors.New("message is not valid UTF-8")

// Classifier scores messages against weighted patterns.  It has no state
// beyond its configuration and is safe for concurrent use.
type Classifier struct {
	threshold float64
	rules     []rule
}

type Option func(*Classifier)

func WithThreshold(t float64) Option {
	return func(c *Classifier) {
		if t > 0 && t <= 1 {
			c.threshold = t
		}
	}
}

func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{threshold: DefaultThreshold, rules: defaultRules}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Classifier) Threshold() float64 { return c.threshold }

// Classify returns the highest-weighted matching pattern's category and
// weight.  Text that cannot be scanned is an error rather than a silent
// non-emergency.
func (c *Classifier) Classify(message string) (Signal, error) {
	if !utf8.ValidString(message) {
		return Signal{}, apperr.New(apperr.KindEmergencyCheck, "emergency.Classify", ErrMalformedMessage)
	}
	text := normalize(message)
	var best Signal
	found := false
	for _, r := range c.rules {
		for _, pt := range r.patterns {
			if pt.weight <= best.Confidence && found {
				continue
			}
			if pt.re.MatchString(text) {
				best.Category = r.category
				best.Confidence = pt.weight
				found = true
			}
		}
	}
	if !found {
		return Signal{}, nil
	}
	best.IsEmergency = best.Confidence >= c.threshold
	if best.IsEmergency {
		best.SourceText = message
	}
	return best, nil
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "`", "'")

func normalize(s string) string {
	s = norm.NFKC.String(s)
	s = apostrophes.Replace(strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}
