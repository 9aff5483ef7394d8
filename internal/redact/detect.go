package redact

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Match is a byte span of the scanned text holding an identifier.
type Match struct {
	Start int
	End   int
}

// Detector finds identifiers of a single category.  Implementations must be
// safe for concurrent use.
type Detector interface {
	Category() Category
	Find(text string) ([]Match, error)
}

var errMalformedInput = errors.New("malformed input: invalid UTF-8")

// regexDetector reports capture group 1 when the pattern has one, otherwise
// the whole match.
type regexDetector struct {
	category Category
	patterns []*regexp.Regexp
	// strict detectors refuse text they cannot reliably scan.
	strict bool
	// reject drops values that matched but are known non-identifiers.
	reject func(value string) bool
}

func (d *regexDetector) Category() Category { return d.category }

func (d *regexDetector) Find(text string) ([]Match, error) {
	if d.strict && !utf8.ValidString(text) {
		return nil, errMalformedInput
	}
	var out []Match
	for _, re := range d.patterns {
		group := 0
		if re.NumSubexp() > 0 {
			group = 1
		}
		for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
			start, end := idx[2*group], idx[2*group+1]
			if start < 0 || end <= start {
				continue
			}
			if d.reject != nil && d.reject(text[start:end]) {
				continue
			}
			out = append(out, Match{Start: start, End: end})
		}
	}
	return out, nil
}

// dictionaryPattern compiles a case-insensitive, word-bounded alternation
// with longer terms first so "type 2 diabetes" wins over "diabetes".
func dictionaryPattern(terms []string, suffix string) *regexp.Regexp {
	sorted := append([]string(nil), terms...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, 0, len(sorted))
	for _, t := range sorted {
		quoted = append(quoted, regexp.QuoteMeta(t))
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b` + suffix)
}

var diagnosisTerms = []string{
	"type 1 diabetes", "type 2 diabetes", "gestational diabetes", "diabetes",
	"hypertension", "high blood pressure", "asthma", "copd", "emphysema",
	"depression", "anxiety disorder", "generalised anxiety", "bipolar disorder", "schizophrenia", "ptsd",
	"breast cancer", "prostate cancer", "bowel cancer", "lung cancer", "melanoma", "cancer", "leukaemia",
	"hiv", "hepatitis b", "hepatitis c", "epilepsy", "heart failure", "atrial fibrillation",
	"coronary artery disease", "rheumatoid arthritis", "osteoarthritis", "arthritis", "osteoporosis",
	"chronic kidney disease", "kidney disease", "multiple sclerosis", "parkinson's disease",
	"dementia", "alzheimer's disease", "sleep apnoea", "sleep apnea", "anorexia", "bulimia",
	"eating disorder", "adhd", "autism", "coeliac disease", "crohn's disease", "ulcerative colitis",
	"hypothyroidism", "hyperthyroidism", "endometriosis", "fibromyalgia", "gout",
}

var medicationTerms = []string{
	"metformin", "insulin", "gliclazide", "empagliflozin", "dapagliflozin", "semaglutide", "ozempic",
	"sertraline", "fluoxetine", "escitalopram", "citalopram", "paroxetine", "venlafaxine", "desvenlafaxine",
	"mirtazapine", "amitriptyline", "quetiapine", "olanzapine", "risperidone", "aripiprazole", "lithium",
	"atorvastatin", "rosuvastatin", "simvastatin", "amlodipine", "lisinopril", "perindopril", "ramipril",
	"candesartan", "irbesartan", "telmisartan", "metoprolol", "atenolol", "bisoprolol",
	"warfarin", "apixaban", "rivaroxaban", "clopidogrel", "aspirin",
	"salbutamol", "ventolin", "symbicort", "seretide", "prednisolone", "prednisone",
	"levothyroxine", "thyroxine", "omeprazole", "pantoprazole", "esomeprazole",
	"paracetamol", "ibuprofen", "naproxen", "codeine", "oxycodone", "tramadol", "morphine", "tapentadol",
	"diazepam", "lorazepam", "temazepam", "gabapentin", "pregabalin", "methotrexate", "allopurinol",
	"frusemide", "furosemide", "spironolactone", "penicillin", "amoxicillin", "cephalexin",
}

const doseSuffix = `(?:\s+\d+(?:\.\d+)?\s?(?:mg|mcg|g|ml|units|iu))?`

var allergyStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "my": true, "severe": true, "mild": true, "bad": true,
	"food": true, "any": true, "no": true, "known": true, "drug": true,
}

var nameStopwords = map[string]bool{
	"I": true, "I'm": true, "I’m": true, "Im": true, "It": true, "It's": true, "This": true, "That": true,
	"What": true, "Where": true, "When": true, "How": true, "Why": true, "Who": true, "Can": true, "Could": true,
	"Should": true, "Would": true, "Will": true, "Do": true, "Does": true, "Is": true, "Are": true, "Am": true,
	"Our": true, "Your": true, "Find": true, "Show": true, "Tell": true, "Help": true, "Search": true, "Near": true,
	"The": true, "My": true, "Hi": true, "Hello": true, "Hey": true, "Dear": true,
	"Thanks": true, "Thank": true, "Please": true, "Yes": true, "No": true, "Ok": true, "Okay": true,
	"Good": true, "Morning": true, "Afternoon": true, "Evening": true, "Today": true, "Tomorrow": true,
	"Monday": true, "Tuesday": true, "Wednesday": true, "Thursday": true, "Friday": true, "Saturday": true, "Sunday": true,
	"January": true, "February": true, "March": true, "April": true, "May": true, "June": true, "July": true,
	"August": true, "September": true, "October": true, "November": true, "December": true,
	"Emergency": true, "Services": true, "Lifeline": true, "Beyond": true, "Blue": true,
}

// trimNameStopwords strips leading and trailing stopwords from a candidate
// name and reports the surviving words.
func trimNameStopwords(value string) []string {
	words := strings.Fields(value)
	for len(words) > 0 && nameStopwords[words[0]] {
		words = words[1:]
	}
	for len(words) > 0 && nameStopwords[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return words
}

// nameWord is one capitalised name word.  Internal capitals are allowed
// (McDonald, MacKenzie, O'Brien) but all-caps acronyms are not.
const nameWord = `[A-Z](?:[a-z]|['’][A-Z])[A-Za-z'’-]*`

// nameDetector combines cue phrases ("my name is", "Dr") with a deliberately
// conservative capitalised word-pair pattern.  Over-redaction is accepted.
type nameDetector struct {
	cue     *regexp.Regexp
	generic *regexp.Regexp
}

func newNameDetector() *nameDetector {
	return &nameDetector{
		cue:     regexp.MustCompile(`(?:(?i:my name is|my name's|i am|i'm|this is|call me|named|doctor|nurse)|Dr\.?|Mr\.?|Mrs\.?|Ms\.?|Miss)\s+(` + nameWord + `(?:\s+` + nameWord + `){0,2})`),
		generic: regexp.MustCompile(`\b` + nameWord + `(?:[ \t]+` + nameWord + `)+\b`),
	}
}

func (d *nameDetector) Category() Category { return Name }

func (d *nameDetector) Find(text string) ([]Match, error) {
	var out []Match
	for _, idx := range d.cue.FindAllStringSubmatchIndex(text, -1) {
		start, end := idx[2], idx[3]
		if start < 0 {
			continue
		}
		if m, ok := trimNameMatch(text, start, end, 1); ok {
			out = append(out, m)
		}
	}
	for _, idx := range d.generic.FindAllStringIndex(text, -1) {
		if m, ok := trimNameMatch(text, idx[0], idx[1], 2); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// trimNameMatch narrows [start,end) to the words left after stopword
// trimming, requiring at least minWords of them.
func trimNameMatch(text string, start, end, minWords int) (Match, bool) {
	words := trimNameStopwords(text[start:end])
	if len(words) < minWords {
		return Match{}, false
	}
	first := strings.Index(text[start:end], words[0])
	last := strings.LastIndex(text[start:end], words[len(words)-1])
	if first < 0 || last < 0 {
		return Match{}, false
	}
	return Match{Start: start + first, End: start + last + len(words[len(words)-1])}, true
}

// DefaultDetectors returns one detector per category in detector order.
func DefaultDetectors() []Detector {
	return []Detector{
		&regexDetector{category: Email, patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		}},
		&regexDetector{category: Address, patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b\d{1,5}[A-Za-z]?(?:/\d{1,5})?\s+(?:[A-Z][a-z]+\s+){1,3}(?:Street|St|Road|Rd|Avenue|Ave|Parade|Pde|Lane|Ln|Drive|Dr|Court|Ct|Place|Pl|Crescent|Cres|Boulevard|Blvd|Way|Terrace|Tce|Highway|Hwy|Close)\b\.?(?:,\s*[A-Z][a-z]+(?:\s[A-Z][a-z]+)?)?(?:,?\s+(?:NSW|VIC|QLD|WA|SA|TAS|ACT|NT))?(?:,?\s+\d{4}\b)?`),
		}},
		&regexDetector{category: Postcode, patterns: []*regexp.Regexp{
			regexp.MustCompile(`\b(?:NSW|VIC|QLD|WA|SA|TAS|ACT|NT)\s+(\d{4})\b`),
			regexp.MustCompile(`(?i)\bpost\s?code\s*(?:is|:)?\s*(\d{4})\b`),
			regexp.MustCompile(`\b[A-Z]{1,2}\d[A-Z\d]?\s?\d[A-Z]{2}\b`),
		}},
		&regexDetector{category: NationalID, patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:medicare|nhs|tfn|ssn|ihi|social security|national id|health card)(?:\s+(?:number|no\.?|#))?[:#\s]*([A-Z0-9](?:[A-Z0-9 -]{4,16})[A-Z0-9])\b`),
			regexp.MustCompile(`\b[2-6]\d{3}[ -]?\d{5}[ -]?\d\b`),
			regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			regexp.MustCompile(`\b\d{3}[ -]\d{3}[ -]\d{3}\b`),
		}},
		&regexDetector{category: Phone, patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?:\+61[ -]?|\b0)[2-478](?:[ -]?\d){8}\b`),
			regexp.MustCompile(`\(0[2-478]\)[ -]?\d{4}[ -]?\d{4}\b`),
			regexp.MustCompile(`\+\d{1,3}[ -]?\(?\d{1,4}\)?(?:[ -]?\d){6,10}\b`),
			regexp.MustCompile(`\(?\b\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`),
		}},
		newNameDetector(),
		&regexDetector{category: Allergy, patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:allergic to|allergy to|allergies to)\s+([A-Za-z-]+)`),
			regexp.MustCompile(`(?i)\b([A-Za-z-]+)\s+allerg(?:y|ies)\b`),
		}, reject: func(v string) bool { return allergyStopwords[strings.ToLower(v)] }},
		&regexDetector{category: Diagnosis, strict: true, patterns: []*regexp.Regexp{
			dictionaryPattern(diagnosisTerms, ""),
		}},
		&regexDetector{category: Medication, strict: true, patterns: []*regexp.Regexp{
			dictionaryPattern(medicationTerms, doseSuffix),
		}},
		&regexDetector{category: TreatmentNote, patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:prescribed|started on|treatment plan(?: is)?:?|my (?:doctor|gp|specialist|psychologist) (?:said|told me|recommended|wants me))\s+([^.!?\n]{3,120})`),
		}},
		&regexDetector{category: HealthMetricSnapshot, patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(?:blood pressure|bp)\s*(?:of|is|was|:)?\s*\d{2,3}\s*/\s*\d{2,3}(?:\s*mmhg)?`),
			regexp.MustCompile(`(?i)\b(?:hba1c|a1c)\s*(?:of|is|was|:)?\s*\d{1,2}(?:\.\d)?\s*%?`),
			regexp.MustCompile(`(?i)\b(?:blood sugar|blood glucose|glucose|bgl)\s*(?:of|is|was|:)?\s*\d{1,2}(?:\.\d)?(?:\s*(?:mmol/l|mmol|mg/dl))?`),
			regexp.MustCompile(`(?i)\b(?:weight|weigh)\s*(?:of|is|was|:)?\s*\d{2,3}(?:\.\d)?\s*(?:kg|kgs|lbs|pounds)\b`),
			regexp.MustCompile(`(?i)\b(?:heart rate|pulse|resting hr)\s*(?:of|is|was|:)?\s*\d{2,3}(?:\s*bpm)?`),
			regexp.MustCompile(`(?i)\bcholesterol\s*(?:of|is|was|:)?\s*\d{1,2}(?:\.\d)?`),
		}},
	}
}

// safeFind converts a detector panic into an error so a single faulty
// detector cannot take down the pipeline.
func safeFind(d Detector, text string) (matches []Match, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return d.Find(text)
}
