package finalize

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"keepgoing-assistant/internal/features"
	"keepgoing-assistant/internal/logger"
	"keepgoing-assistant/internal/redact"
)

type Status string

const (
	StatusNotRequired        Status = "not-required"
	StatusValidatedApproved  Status = "validated-approved"
	StatusValidatedCorrected Status = "validated-corrected"
	StatusSanitized          Status = "sanitized"
)

// Audit stages.
const (
	StageCrossValidation  = "cross_validation"
	StageFeatureWhitelist = "feature_whitelist"
	StageLeakScan         = "leak_scan"
)

// DefaultDisagreement is the agreement score below which a validator's
// correction replaces the draft.
const DefaultDisagreement = 0.5

// ValidationContext is decided by the caller.
type ValidationContext struct {
	// RequiresValidation asks for a second-model review, typically because
	// the topic was flagged sensitive upstream.
	RequiresValidation bool
	// SkipCrossValidation is set for tool-synthesised answers.
	SkipCrossValidation bool
	Topic               string
	// TrustedSpans are exact strings (tool results) exempt from the leak scan.
	TrustedSpans []string
}

// Correction is one intervention, kept for audit and never shown to users.
type Correction struct {
	Stage  string
	Detail string
}

type Outcome struct {
	FinalText   string
	Status      Status
	Corrections []Correction
	// Unvalidated marks text that needed validation but could not get it.
	Unvalidated bool
}

// LeakScanner is the ledger's read-only scan.
type LeakScanner interface {
	LeakScan(sessionID, text string, trusted ...string) (string, []redact.Leak, error)
}

// Finalizer post-processes generated answers before they are returned.
type Finalizer struct {
	validator    Validator
	catalog      *features.Catalog
	scanner      LeakScanner
	disagreement float64
	log          *logger.Logger
}

type Option func(*Finalizer)

func WithDisagreementThreshold(t float64) Option {
	return func(f *Finalizer) {
		if t > 0 && t <= 1 {
			f.disagreement = t
		}
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(f *Finalizer) {
		if log != nil {
			f.log = log
		}
	}
}

// New builds a Finalizer.  validator may be nil, in which case answers that
// require validation are passed on flagged as unvalidated.
func New(validator Validator, catalog *features.Catalog, scanner LeakScanner, opts ...Option) *Finalizer {
	f := &Finalizer{
		validator:    validator,
		catalog:      catalog,
		scanner:      scanner,
		disagreement: DefaultDisagreement,
		log:          logger.Nop(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Finalize runs cross-validation, the feature whitelist and the leak scan in
// order.  Only a leak-scan fault on a high-risk category is returned as an
// error; a validator failure is absorbed and flagged.
func (f *Finalizer) Finalize(ctx context.Context, raw string, vctx ValidationContext, sessionID string) (Outcome, error) {
	out := Outcome{FinalText: raw, Status: StatusNotRequired}
	text := raw
	validated := false
	corrected := false

	if vctx.RequiresValidation && !vctx.SkipCrossValidation {
		switch verdict, err := f.validate(ctx, text, vctx); {
		case err != nil:
			out.Unvalidated = true
			f.record(&out, Correction{Stage: StageCrossValidation, Detail: "validator unavailable, answer not cross-checked"})
			f.log.Warn("cross validation failed", "error", err)
		case !verdict.Approved && verdict.Agreement < f.disagreement && verdict.CorrectedText != "":
			validated, corrected = true, true
			text = verdict.CorrectedText
			f.record(&out, Correction{
				Stage:  StageCrossValidation,
				Detail: fmt.Sprintf("validator disagreed (agreement %.2f, %d issue(s)); corrected text used", verdict.Agreement, len(verdict.Issues)),
			})
		default:
			validated = true
			if len(verdict.Issues) > 0 {
				f.record(&out, Correction{
					Stage:  StageCrossValidation,
					Detail: fmt.Sprintf("validator approved with %d minor issue(s)", len(verdict.Issues)),
				})
			}
		}
	}

	if fixed, cs := enforceWhitelist(text, f.catalog); len(cs) > 0 {
		text = fixed
		corrected = true
		for _, c := range cs {
			f.record(&out, c)
		}
	}

	if f.scanner != nil {
		sanitized, leaks, err := f.scanner.LeakScan(sessionID, text, vctx.TrustedSpans...)
		if err != nil {
			return Outcome{}, err
		}
		if len(leaks) > 0 {
			text = sanitized
			out.Status = StatusSanitized
			f.record(&out, Correction{Stage: StageLeakScan, Detail: leakDetail(leaks)})
		}
	}

	out.FinalText = text
	if out.Status != StatusSanitized {
		switch {
		case corrected:
			out.Status = StatusValidatedCorrected
		case validated:
			out.Status = StatusValidatedApproved
		}
	}
	return out, nil
}

func (f *Finalizer) validate(ctx context.Context, text string, vctx ValidationContext) (Verdict, error) {
	if f.validator == nil {
		return Verdict{}, fmt.Errorf("no validator configured")
	}
	return f.validator.Validate(ctx, text, vctx)
}

func (f *Finalizer) record(out *Outcome, c Correction) {
	out.Corrections = append(out.Corrections, c)
	f.log.Info("finalizer correction", "stage", c.Stage, "detail", c.Detail)
}

func leakDetail(leaks []redact.Leak) string {
	counts := make(map[string]int)
	for _, l := range leaks {
		counts[l.Category.String()]++
	}
	names := make([]string, 0, len(counts))
	for k := range counts {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return "identifiers replaced with placeholders: " + strings.Join(parts, ", ")
}
