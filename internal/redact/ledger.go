package redact

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"keepgoing-assistant/internal/apperr"
	"keepgoing-assistant/internal/logger"
)

// SessionKind selects the lifetime of a redaction session.
type SessionKind int

const (
	// ChatTurn sessions cover a single orchestration call with no care data.
	ChatTurn SessionKind = iota
	// Clinical sessions carry directives or health metrics and live longer.
	Clinical
)

func (k SessionKind) String() string {
	if k == Clinical {
		return "clinical"
	}
	return "chat_turn"
}

const (
	DefaultClinicalTTL   = 2 * time.Hour
	DefaultChatTurnTTL   = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

// ErrUnknownSession is wrapped in a redaction error when anonymize is asked
// to mint tokens for a session that was never opened or has been removed.
var ErrUnknownSession = errors.New("unknown redaction session")

var tokenPattern = regexp.MustCompile(`<([A-Z]+(?:_[A-Z]+)*)_(\d+)>`)

// looseTokenPattern also matches token-shaped text a model may produce on
// its own: a bare tag (<NAME>) or any letter case (<name_1>).
var looseTokenPattern = regexp.MustCompile(`(?i)<([A-Z]+(?:_[A-Z]+)*)(?:_(\d+))?>`)

// Mapping is one issued token and the value it stands for.
type Mapping struct {
	Token    string
	Value    string
	Category Category
}

// Leak is an identifier found by LeakScan.  Offsets refer to the scanned
// text; the value itself is deliberately not carried.
type Leak struct {
	Category Category
	Start    int
	End      int
}

type session struct {
	mu        sync.Mutex
	id        string
	kind      SessionKind
	createdAt time.Time
	expiresAt time.Time

	byValue  map[string]string
	byToken  map[string]Mapping
	counters map[Category]int
	mappings []Mapping

	pins            int
	expireRequested bool
	removed         bool
}

// Ledger owns every redaction session and is the only component that can
// see original values.  It is safe for concurrent use; each session has
// its own mutex so unrelated calls never contend.
type Ledger struct {
	mu       sync.RWMutex
	sessions map[string]*session

	detectors     []Detector
	allowlist     []string
	ttl           map[SessionKind]time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	log           *logger.Logger
}

type Option func(*Ledger)

// WithDetectors replaces the default detector set.  Detectors run in the
// order given.
func WithDetectors(d ...Detector) Option {
	return func(l *Ledger) { l.detectors = d }
}

// WithAllowlist registers phrases (feature names, service terms) that are
// never tokenized even if a detector matches them.
func WithAllowlist(phrases ...string) Option {
	return func(l *Ledger) {
		for _, p := range phrases {
			if p = strings.ToLower(strings.Join(strings.Fields(p), " ")); p != "" {
				l.allowlist = append(l.allowlist, p)
			}
		}
	}
}

func WithTTL(kind SessionKind, ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl[kind] = ttl
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.sweepInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(log *logger.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// New constructs a Ledger with the default detectors.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		sessions:      make(map[string]*session),
		detectors:     DefaultDetectors(),
		ttl:           map[SessionKind]time.Duration{Clinical: DefaultClinicalTTL, ChatTurn: DefaultChatTurnTTL},
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		log:           logger.Nop(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Lease pins a session for the duration of one orchestration call.  While
// any lease is open the session survives Expire and the background sweep.
type Lease struct {
	ledger *Ledger
	id     string
	once   sync.Once
}

func (le *Lease) ID() string { return le.id }

// Close releases the pin.  If the session has been asked to expire, or its
// expiry has passed, it is removed now.  Close is idempotent.
func (le *Lease) Close() {
	le.once.Do(func() { le.ledger.release(le.id) })
}

// Open creates a session whose expiry is fixed now, and returns a lease
// pinning it.
func (l *Ledger) Open(kind SessionKind) *Lease {
	now := l.now()
	s := &session{
		id:        uuid.NewString(),
		kind:      kind,
		createdAt: now,
		expiresAt: now.Add(l.ttl[kind]),
		byValue:   make(map[string]string),
		byToken:   make(map[string]Mapping),
		counters:  make(map[Category]int),
		pins:      1,
	}
	l.mu.Lock()
	l.sessions[s.id] = s
	l.mu.Unlock()
	l.log.Debug("redaction session opened", "session_id", s.id, "kind", kind.String())
	return &Lease{ledger: l, id: s.id}
}

func (l *Ledger) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins > 0 {
		s.pins--
	}
	if s.pins == 0 && (s.expireRequested || !l.now().Before(s.expiresAt)) {
		l.removeLocked(s)
	}
}

// removeLocked requires both l.mu and s.mu to be held.
func (l *Ledger) removeLocked(s *session) {
	s.removed = true
	s.byValue = nil
	s.byToken = nil
	s.mappings = nil
	delete(l.sessions, s.id)
}

func (l *Ledger) lookup(id string) (*session, bool) {
	l.mu.RLock()
	s, ok := l.sessions[id]
	l.mu.RUnlock()
	return s, ok
}

// Expire removes a session's mappings.  A pinned session is only marked and
// is removed when its last lease closes, so an in-flight pipeline never
// loses its mappings.  Expire reports whether the session was removed now.
func (l *Ledger) Expire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins > 0 {
		s.expireRequested = true
		return false
	}
	l.removeLocked(s)
	return true
}

// Sweep removes every unpinned session whose expiry has passed and returns
// how many were removed.
func (l *Ledger) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for _, s := range l.sessions {
		s.mu.Lock()
		if s.pins == 0 && !now.Before(s.expiresAt) {
			l.removeLocked(s)
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps on a fixed interval until ctx is done.
func (l *Ledger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.log.Debug("redaction sweep", "removed", n)
			}
		}
	}
}

// Len is the number of live sessions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// Anonymize replaces every detected identifier in text with a session
// token, reusing the token already issued for a repeated value.  A faulty
// detector is skipped unless its category is high risk, in which case the
// call fails with a redaction error.
func (l *Ledger) Anonymize(id, text string) (string, error) {
	const op = "redact.Anonymize"
	if text == "" {
		return text, nil
	}
	s, ok := l.lookup(id)
	if !ok {
		return "", apperr.New(apperr.KindRedaction, op, ErrUnknownSession)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return "", apperr.New(apperr.KindRedaction, op, ErrUnknownSession)
	}

	out := text
	for _, d := range l.detectors {
		cat := d.Category()
		matches, err := safeFind(d, out)
		if err != nil {
			if cat.HighRisk() {
				return "", apperr.New(apperr.KindRedaction, op, fmt.Errorf("%s detector: %w", cat, err))
			}
			l.log.Warn("detector failed, category left untokenized", "category", cat.String(), "error", err)
			continue
		}
		for _, value := range l.candidateValues(cat, out, matches) {
			spans := replaceable(out, value)
			if len(spans) == 0 {
				continue
			}
			token, ok := s.byValue[value]
			if !ok {
				token = s.mint(cat, value)
			}
			out = splice(out, spans, token)
		}
	}
	return out, nil
}

func (s *session) mint(cat Category, value string) string {
	s.counters[cat]++
	token := fmt.Sprintf("<%s_%d>", cat.Tag(), s.counters[cat])
	m := Mapping{Token: token, Value: value, Category: cat}
	s.byValue[value] = token
	s.byToken[token] = m
	s.mappings = append(s.mappings, m)
	return token
}

// DeAnonymize restores known tokens to their original values.  Tokens the
// session never issued, including any a model invented in another case or
// without a number, become the generic placeholder for their category so
// no raw token reaches a user.  Angle-bracketed text that is neither
// numbered nor a category tag is left alone.
func (l *Ledger) DeAnonymize(id, text string) string {
	if text == "" || !strings.Contains(text, "<") {
		return text
	}
	var known map[string]Mapping
	if s, ok := l.lookup(id); ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		known = s.byToken
	}
	return looseTokenPattern.ReplaceAllStringFunc(text, func(tok string) string {
		if m, ok := known[strings.ToUpper(tok)]; ok {
			return m.Value
		}
		sub := looseTokenPattern.FindStringSubmatch(tok)
		if cat, ok := categoryForTag(strings.ToUpper(sub[1])); ok {
			return cat.Placeholder()
		}
		if sub[2] != "" {
			return GenericPlaceholder
		}
		return tok
	})
}

// LeakScan runs the detectors over text without issuing tokens.  Any
// identifier that is neither a session token nor inside a trusted span is
// replaced by its category placeholder, as is any raw original value the
// session has already tokenized.
func (l *Ledger) LeakScan(id, text string, trusted ...string) (string, []Leak, error) {
	const op = "redact.LeakScan"
	if text == "" {
		return text, nil, nil
	}
	shielded := tokenSpans(text)
	for _, t := range trusted {
		shielded = append(shielded, occurrences(text, t)...)
	}

	var leaks []Leak
	var taken []Match
	claim := func(cat Category, m Match) {
		if overlapsAny(m, shielded) || overlapsAny(m, taken) {
			return
		}
		taken = append(taken, m)
		leaks = append(leaks, Leak{Category: cat, Start: m.Start, End: m.End})
	}

	if s, ok := l.lookup(id); ok {
		s.mu.Lock()
		mappings := append([]Mapping(nil), s.mappings...)
		s.mu.Unlock()
		sort.SliceStable(mappings, func(i, j int) bool { return len(mappings[i].Value) > len(mappings[j].Value) })
		for _, m := range mappings {
			for _, span := range occurrences(text, m.Value) {
				claim(m.Category, span)
			}
		}
	}

	for _, d := range l.detectors {
		cat := d.Category()
		matches, err := safeFind(d, text)
		if err != nil {
			if cat.HighRisk() {
				return "", nil, apperr.New(apperr.KindRedaction, op, fmt.Errorf("%s detector: %w", cat, err))
			}
			l.log.Warn("detector failed during leak scan", "category", cat.String(), "error", err)
			continue
		}
		for _, m := range widenMatches(text, trimMatches(text, matches)) {
			if l.allowlisted(cat, text[m.Start:m.End]) {
				continue
			}
			claim(cat, m)
		}
	}
	if len(leaks) == 0 {
		return text, nil, nil
	}

	sort.Slice(leaks, func(i, j int) bool { return leaks[i].Start < leaks[j].Start })
	var b strings.Builder
	prev := 0
	for _, lk := range leaks {
		b.WriteString(text[prev:lk.Start])
		b.WriteString(lk.Category.Placeholder())
		prev = lk.End
	}
	b.WriteString(text[prev:])
	return b.String(), leaks, nil
}

// Detect reports whether any of the given categories (all categories when
// none are given) finds an identifier in text.  A detector fault counts as
// a detection.
func (l *Ledger) Detect(text string, cats ...Category) bool {
	if text == "" {
		return false
	}
	want := make(map[Category]bool, len(cats))
	for _, c := range cats {
		want[c] = true
	}
	for _, d := range l.detectors {
		if len(want) > 0 && !want[d.Category()] {
			continue
		}
		matches, err := safeFind(d, text)
		if err != nil {
			return true
		}
		for _, m := range widenMatches(text, trimMatches(text, matches)) {
			if !l.allowlisted(d.Category(), text[m.Start:m.End]) {
				return true
			}
		}
	}
	return false
}

// Categories lists the categories tokenized so far in a session, in the
// order they were first issued.
func (l *Ledger) Categories(id string) []Category {
	s, ok := l.lookup(id)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[Category]bool)
	var out []Category
	for _, m := range s.mappings {
		if !seen[m.Category] {
			seen[m.Category] = true
			out = append(out, m.Category)
		}
	}
	return out
}

// Mappings returns a copy of the session's issued tokens.
func (l *Ledger) Mappings(id string) []Mapping {
	s, ok := l.lookup(id)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Mapping(nil), s.mappings...)
}

// candidateValues turns matches into distinct values, longest first, so a
// value that contains another is replaced before the shorter one.
func (l *Ledger) candidateValues(cat Category, text string, matches []Match) []string {
	shielded := tokenSpans(text)
	seen := make(map[string]bool)
	var values []string
	for _, m := range widenMatches(text, trimMatches(text, matches)) {
		if overlapsAny(m, shielded) {
			continue
		}
		v := text[m.Start:m.End]
		if seen[v] || l.allowlisted(cat, v) {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	sort.SliceStable(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	return values
}

// allowlisted reports whether value is exactly one of the allowlisted
// phrases.  High-risk categories are never exempt.
func (l *Ledger) allowlisted(cat Category, value string) bool {
	if cat.HighRisk() {
		return false
	}
	v := strings.ToLower(strings.Join(strings.Fields(value), " "))
	for _, p := range l.allowlist {
		if p == v {
			return true
		}
	}
	return false
}

// widenMatches extends any match that starts or ends inside a word to the
// whole word, so a partial match never leaves the rest of the word behind
// in clear text.
func widenMatches(text string, matches []Match) []Match {
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		for m.Start > 0 {
			first, _ := utf8.DecodeRuneInString(text[m.Start:])
			before, size := utf8.DecodeLastRuneInString(text[:m.Start])
			if !isWordRune(first) || !isWordRune(before) {
				break
			}
			m.Start -= size
		}
		for m.End < len(text) {
			last, _ := utf8.DecodeLastRuneInString(text[:m.End])
			after, size := utf8.DecodeRuneInString(text[m.End:])
			if !isWordRune(last) || !isWordRune(after) {
				break
			}
			m.End += size
		}
		out = append(out, m)
	}
	return out
}

// trimMatches strips surrounding whitespace and trailing punctuation from
// each match and drops those left empty.
func trimMatches(text string, matches []Match) []Match {
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		start, end := m.Start, m.End
		for start < end {
			r, size := utf8.DecodeRuneInString(text[start:end])
			if !unicode.IsSpace(r) {
				break
			}
			start += size
		}
		for end > start {
			r, size := utf8.DecodeLastRuneInString(text[start:end])
			if !unicode.IsSpace(r) && !strings.ContainsRune(".,;:!?", r) {
				break
			}
			end -= size
		}
		if end > start {
			out = append(out, Match{Start: start, End: end})
		}
	}
	return out
}

func tokenSpans(text string) []Match {
	var out []Match
	for _, idx := range tokenPattern.FindAllStringIndex(text, -1) {
		out = append(out, Match{Start: idx[0], End: idx[1]})
	}
	return out
}

func overlapsAny(m Match, spans []Match) bool {
	for _, s := range spans {
		if m.Start < s.End && s.Start < m.End {
			return true
		}
	}
	return false
}

// occurrences finds word-bounded occurrences of value in text.
func occurrences(text, value string) []Match {
	if value == "" {
		return nil
	}
	var out []Match
	for from := 0; from < len(text); {
		i := strings.Index(text[from:], value)
		if i < 0 {
			break
		}
		start := from + i
		end := start + len(value)
		if bounded(text, start, end) {
			out = append(out, Match{Start: start, End: end})
		}
		from = start + 1
	}
	return out
}

// bounded requires that a value starting or ending with a letter or digit
// is not glued to another letter or digit in text.
func bounded(text string, start, end int) bool {
	if start > 0 {
		first, _ := utf8.DecodeRuneInString(text[start:])
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		if isWordRune(first) && isWordRune(before) {
			return false
		}
	}
	if end < len(text) {
		last, _ := utf8.DecodeLastRuneInString(text[:end])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if isWordRune(last) && isWordRune(after) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }

// replaceable lists the bounded, non-overlapping occurrences of value that
// lie outside existing tokens.
func replaceable(text, value string) []Match {
	shielded := tokenSpans(text)
	var out []Match
	prev := 0
	for _, sp := range occurrences(text, value) {
		if sp.Start < prev || overlapsAny(sp, shielded) {
			continue
		}
		out = append(out, sp)
		prev = sp.End
	}
	return out
}

// splice replaces each span in text with token.  Spans must be ordered and
// non-overlapping.
func splice(text string, spans []Match, token string) string {
	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		b.WriteString(text[prev:sp.Start])
		b.WriteString(token)
		prev = sp.End
	}
	b.WriteString(text[prev:])
	return b.String()
}
