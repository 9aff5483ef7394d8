package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"keepgoing-assistant/internal/apperr"
	"keepgoing-assistant/internal/intent"
	"keepgoing-assistant/internal/llm"
	"keepgoing-assistant/internal/logger"
	"keepgoing-assistant/pkg"
)

// Policy decides the order providers are tried in at the full tier.
type Policy string

const (
	// PrimaryFirst always tries providers in configured order.
	PrimaryFirst Policy = "primary-first"
	// RoundRobin rotates the first provider on every call.
	RoundRobin Policy = "round-robin"
	// HealthAware keeps configured order but moves providers that keep
	// failing to the back until their cool-down ends.
	HealthAware Policy = "health-aware"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PrimaryFirst:
		return PrimaryFirst, nil
	case RoundRobin, HealthAware:
		return Policy(s), nil
	default:
		return PrimaryFirst, fmt.Errorf("unknown provider policy %q", s)
	}
}

// ErrProvidersExhausted means the primary and its one fallback both failed.
var ErrProvidersExhausted = errors.New("model providers exhausted")

// ErrRateLimited marks a provider skipped because its local limiter is empty.
var ErrRateLimited = errors.New("provider rate limited")

// OfflineModel is reported as the model for canned offline answers.
const OfflineModel = "offline"

type Config struct {
	Policy           Policy
	Timeout          time.Duration
	RatePerSecond    float64
	Burst            int
	FailureThreshold int
	Cooldown         time.Duration
}

func (c *Config) defaults() {
	if c.Policy == "" {
		c.Policy = PrimaryFirst
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
}

type entry struct {
	client       llm.Client
	limiter      *rate.Limiter
	failures     int
	demotedUntil time.Time
}

// Selector chooses a generation strategy per connectivity tier and runs
// the call with at most one fallback.
type Selector struct {
	cfg     Config
	entries []*entry
	next    atomic.Uint64
	now     func() time.Time
	log     *logger.Logger

	mu sync.Mutex
}

// NewSelector takes providers in preference order: the first is primary,
// the second is the configured fallback.
func NewSelector(cfg Config, log *logger.Logger, providers ...llm.Client) *Selector {
	cfg.defaults()
	if log == nil {
		log = logger.Nop()
	}
	s := &Selector{cfg: cfg, now: time.Now, log: log}
	for _, p := range providers {
		if p == nil {
			continue
		}
		s.entries = append(s.entries, &entry{
			client:  p,
			limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		})
	}
	return s
}

// Choice is the plan for one call.
type Choice struct {
	Tier    pkg.ConnectivityTier
	Offline bool
	// Order lists at most two providers: the one to try and its fallback.
	Order []llm.Client
}

func (c Choice) Models() []string {
	out := make([]string, 0, len(c.Order))
	for _, p := range c.Order {
		out = append(out, p.Model())
	}
	return out
}

// Select plans a call for tier.  Offline makes no external call; Degraded
// gets a single attempt; Full gets a primary and exactly one fallback.
func (s *Selector) Select(tier pkg.ConnectivityTier) Choice {
	c := Choice{Tier: tier}
	if tier <= pkg.TierOffline || len(s.entries) == 0 {
		c.Offline = true
		return c
	}
	ordered := s.order()
	limit := 2
	if tier == pkg.TierDegraded {
		limit = 1
	}
	if len(ordered) < limit {
		limit = len(ordered)
	}
	for _, e := range ordered[:limit] {
		c.Order = append(c.Order, e.client)
	}
	return c
}

func (s *Selector) order() []*entry {
	n := len(s.entries)
	out := make([]*entry, 0, n)
	switch s.cfg.Policy {
	case RoundRobin:
		start := int(s.next.Add(1)-1) % n
		for i := 0; i < n; i++ {
			out = append(out, s.entries[(start+i)%n])
		}
	case HealthAware:
		now := s.now()
		var demoted []*entry
		s.mu.Lock()
		for _, e := range s.entries {
			if now.Before(e.demotedUntil) {
				demoted = append(demoted, e)
			} else {
				out = append(out, e)
			}
		}
		s.mu.Unlock()
		out = append(out, demoted...)
	default:
		out = append(out, s.entries...)
	}
	return out
}

// Result is what a Generate call produced.
type Result struct {
	Text     string
	Model    string
	Canned   bool
	Attempts int
}

// Generate runs the plan for tier.  Offline returns the canned response for
// the intent.  Otherwise every attempt is bounded by the configured timeout,
// and when the plan is used up the error wraps ErrProvidersExhausted.
func (s *Selector) Generate(ctx context.Context, tier pkg.ConnectivityTier, it intent.Intent, messages []llm.Message) (Result, error) {
	const op = "provider.Generate"
	choice := s.Select(tier)
	if choice.Offline {
		s.log.Info("provider selected", "tier", tier.String(), "model", OfflineModel)
		return Result{Text: OfflineResponse(it), Model: OfflineModel, Canned: true}, nil
	}
	s.log.Info("provider selected", "tier", tier.String(), "policy", string(s.cfg.Policy), "order", choice.Models())

	var lastErr error
	res := Result{}
	for i, client := range choice.Order {
		res.Attempts++
		text, err := s.call(ctx, client, messages)
		if err == nil {
			res.Text, res.Model = text, client.Model()
			return res, nil
		}
		lastErr = err
		s.log.Warn("provider call failed", "model", client.Model(), "attempt", i+1, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return res, apperr.New(apperr.KindProviderUnavailable, op, errors.Join(ErrProvidersExhausted, lastErr))
}

func (s *Selector) call(ctx context.Context, client llm.Client, messages []llm.Message) (string, error) {
	e := s.entryFor(client)
	if e != nil && !e.limiter.Allow() {
		return "", ErrRateLimited
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	text, err := client.Chat(cctx, messages)
	if err == nil && text == "" {
		err = llm.ErrEmptyCompletion
	}
	s.record(e, err)
	return text, err
}

func (s *Selector) entryFor(client llm.Client) *entry {
	for _, e := range s.entries {
		if e.client == client {
			return e
		}
	}
	return nil
}

func (s *Selector) record(e *entry, err error) {
	if e == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		e.failures = 0
		e.demotedUntil = time.Time{}
		return
	}
	e.failures++
	if e.failures >= s.cfg.FailureThreshold {
		e.demotedUntil = s.now().Add(s.cfg.Cooldown)
	}
}

// OfflineResponse is the deterministic answer given when no provider may be
// called.
func OfflineResponse(it intent.Intent) string {
	switch it {
	case intent.LocationLookup:
		return "You seem to be offline, so I can't search for nearby services right now. Please try again when you're back online."
	case intent.ToolAssisted:
		return "You seem to be offline. Features you've already opened in the app still work, and I'll be able to help you find others when you're back online."
	default:
		return "You seem to be offline right now. I'll be able to answer properly once your connection is back. If you feel unwell or unsafe, call 000."
	}
}
