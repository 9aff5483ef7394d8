package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"keepgoing-assistant/internal/apperr"
	"keepgoing-assistant/internal/emergency"
	"keepgoing-assistant/internal/features"
	"keepgoing-assistant/internal/finalize"
	"keepgoing-assistant/internal/intent"
	"keepgoing-assistant/internal/llm"
	"keepgoing-assistant/internal/logger"
	"keepgoing-assistant/internal/provider"
	"keepgoing-assistant/internal/redact"
	"keepgoing-assistant/internal/tools"
	"keepgoing-assistant/pkg"
)

// HistoryStore is the append-only conversation history.
type HistoryStore interface {
	RecentTurns(ctx context.Context, patientID string, n int) ([]pkg.ConversationTurn, error)
	AppendTurn(ctx context.Context, t pkg.ConversationTurn) error
}

// CareContextProvider supplies read-only directives and metrics.
type CareContextProvider interface {
	CareContext(ctx context.Context, patientID string) (pkg.CareContext, error)
}

// AlertRaiser starts out-of-band delivery of an emergency alert and returns
// its id without waiting.
type AlertRaiser interface {
	Raise(ctx context.Context, patientID string, sig emergency.Signal) string
}

// Outcome names the terminal state a message reached.
type Outcome string

const (
	OutcomeReengage  Outcome = "reengage"
	OutcomeEmergency Outcome = "emergency"
	OutcomeLocation  Outcome = "location"
	OutcomeGeneral   Outcome = "general"
	OutcomeOffline   Outcome = "offline"
	OutcomeFallback  Outcome = "fallback"
)

// FeatureCatalogTool is reported in ToolsUsed when feature suggestions were
// given to the model.
const FeatureCatalogTool = "feature_catalog"

const (
	DefaultStaleAfter   = 15 * time.Minute
	DefaultToolTimeout  = 8 * time.Second
	DefaultHistoryTurns = 10
	DefaultFetchTimeout = 3 * time.Second
)

type Session struct {
	ConnectivityTier pkg.ConnectivityTier
}

type ProcessRequest struct {
	PatientID   string
	Session     Session
	MessageText string
	SentAt      time.Time
}

type ProcessResult struct {
	ResponseText     string
	ToolsUsed        []string
	ModelUsed        string
	ValidationStatus finalize.Status
	Outcome          Outcome
	Corrections      []finalize.Correction
	AlertID          string
	Unvalidated      bool
}

type Config struct {
	StaleAfter   time.Duration
	ToolTimeout  time.Duration
	FetchTimeout time.Duration
	HistoryTurns int
}

// Deps are the collaborators of the orchestrator.  Locations, History, Care
// and Alerts may be nil; the corresponding step is then skipped.
type Deps struct {
	Ledger     *redact.Ledger
	Classifier *emergency.Classifier
	Router     *intent.Router
	Providers  *provider.Selector
	Finalizer  *finalize.Finalizer
	Catalog    *features.Catalog
	Locations  tools.LocationSearcher
	History    HistoryStore
	Care       CareContextProvider
	Alerts     AlertRaiser
}

// ChatService sequences one patient message through the pipeline.  Each
// call is independent; the only shared state lives in the ledger and the
// provider selector.
type ChatService struct {
	deps   Deps
	cfg    Config
	log    *logger.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewChatService constructs a ChatService.  Ledger, Classifier, Router,
// Providers and Finalizer are required.
func NewChatService(deps Deps, cfg Config, log *logger.Logger) (*ChatService, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("core: ledger is required")
	case deps.Classifier == nil:
		return nil, errors.New("core: emergency classifier is required")
	case deps.Router == nil:
		return nil, errors.New("core: intent router is required")
	case deps.Providers == nil:
		return nil, errors.New("core: provider selector is required")
	case deps.Finalizer == nil:
		return nil, errors.New("core: finalizer is required")
	}
	if deps.Catalog == nil {
		deps.Catalog = features.NewCatalog(nil)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ChatService{
		deps:   deps,
		cfg:    cfg,
		log:    log,
		tracer: otel.Tracer("keepgoing-assistant/internal/core"),
		now:    time.Now,
	}, nil
}

// ProcessMessage answers one patient message.  Only invalid input, an
// emergency check fault and a high-risk redaction fault are returned as
// errors; every other failure becomes fixed fallback copy.
func (s *ChatService) ProcessMessage(ctx context.Context, req ProcessRequest) (res ProcessResult, err error) {
	const op = "core.ProcessMessage"
	ctx, span := s.tracer.Start(ctx, "core.ProcessMessage",
		trace.WithAttributes(attribute.String("connectivity_tier", req.Session.ConnectivityTier.String())))
	defer func() {
		span.SetAttributes(
			attribute.String("outcome", string(res.Outcome)),
			attribute.String("validation_status", string(res.ValidationStatus)),
			attribute.String("model", res.ModelUsed),
		)
		if err != nil {
			span.SetStatus(codes.Error, string(apperr.KindOf(err)))
		}
		span.End()
	}()

	if strings.TrimSpace(req.PatientID) == "" {
		return ProcessResult{}, apperr.Newf(apperr.KindInvalidInput, op, "patient id is required")
	}
	if strings.TrimSpace(req.MessageText) == "" {
		return ProcessResult{}, apperr.Newf(apperr.KindInvalidInput, op, "message text is required")
	}
	if req.SentAt.IsZero() {
		return ProcessResult{}, apperr.Newf(apperr.KindInvalidInput, op, "sent_at is required")
	}
	log := s.log.With("patient_id", req.PatientID)

	// Emergency detection runs before the staleness check so an old but
	// urgent message still reaches a clinician.
	sig, err := s.checkEmergency(ctx, req.MessageText)
	if err != nil {
		log.Error("emergency check failed", "error", err)
		return ProcessResult{}, err
	}
	if sig.IsEmergency {
		res = ProcessResult{
			ResponseText:     SafetyMessage(sig.Category),
			ValidationStatus: finalize.StatusNotRequired,
			Outcome:          OutcomeEmergency,
		}
		if s.deps.Alerts != nil {
			res.AlertID = s.deps.Alerts.Raise(ctx, req.PatientID, sig)
		} else {
			log.Error("emergency flagged but no alert dispatcher configured", "category", sig.Category.String())
		}
		log.Warn("emergency flagged", "category", sig.Category.String(), "confidence", sig.Confidence, "alert_id", res.AlertID)
		s.remember(ctx, req, res)
		return res, nil
	}

	if age := s.now().Sub(req.SentAt); age > s.cfg.StaleAfter {
		log.Info("stale message, asking patient to resend", "age", age.Round(time.Second).String())
		res = ProcessResult{ResponseText: ReengageMessage, ValidationStatus: finalize.StatusNotRequired, Outcome: OutcomeReengage}
		s.remember(ctx, req, res)
		return res, nil
	}

	history, care := s.fetchContext(ctx, req.PatientID, log)
	q := s.deps.Router.Parse(req.MessageText, history)
	effective := q.EffectiveIntent()
	span.SetAttributes(
		attribute.String("intent", string(q.Intent)),
		attribute.String("effective_intent", string(effective)),
		attribute.Float64("intent_confidence", q.Confidence),
	)
	log.Info("message routed", "intent", string(q.Intent), "effective_intent", string(effective), "confidence", q.Confidence)

	if req.Session.ConnectivityTier <= pkg.TierOffline {
		gen, _ := s.deps.Providers.Generate(ctx, pkg.TierOffline, effective, nil)
		res = ProcessResult{
			ResponseText:     gen.Text,
			ModelUsed:        gen.Model,
			ValidationStatus: finalize.StatusNotRequired,
			Outcome:          OutcomeOffline,
		}
		s.remember(ctx, req, res)
		return res, nil
	}

	kind := redact.ChatTurn
	if !care.Empty() {
		kind = redact.Clinical
	}
	lease := s.deps.Ledger.Open(kind)
	defer func() {
		s.deps.Ledger.Expire(lease.ID())
		lease.Close()
	}()

	if effective == intent.LocationLookup && s.deps.Locations != nil {
		located, ok, lerr := s.locationPath(ctx, req, q, lease.ID(), log)
		if lerr != nil {
			return ProcessResult{}, lerr
		}
		if ok {
			s.remember(ctx, req, located)
			return located, nil
		}
	}

	res, err = s.generalPath(ctx, req, effective, history, care, lease.ID(), log)
	if err != nil {
		return ProcessResult{}, err
	}
	s.remember(ctx, req, res)
	return res, nil
}

func (s *ChatService) checkEmergency(ctx context.Context, text string) (emergency.Signal, error) {
	_, span := s.tracer.Start(ctx, "core.EmergencyCheck")
	defer span.End()
	sig, err := s.deps.Classifier.Classify(text)
	if err != nil {
		span.SetStatus(codes.Error, "classification failed")
		return emergency.Signal{}, err
	}
	span.SetAttributes(attribute.Bool("emergency", sig.IsEmergency))
	if sig.IsEmergency {
		span.SetAttributes(attribute.String("category", sig.Category.String()))
	}
	return sig, nil
}

// fetchContext loads history and care context concurrently.  Failures are
// logged and yield empty values.
func (s *ChatService) fetchContext(ctx context.Context, patientID string, log *logger.Logger) ([]pkg.ConversationTurn, pkg.CareContext) {
	ctx, span := s.tracer.Start(ctx, "core.FetchContext")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	var history []pkg.ConversationTurn
	care := pkg.CareContext{PatientID: patientID}
	var g errgroup.Group
	if s.deps.History != nil {
		g.Go(func() error {
			turns, err := s.deps.History.RecentTurns(ctx, patientID, s.cfg.HistoryTurns)
			if err != nil {
				log.Warn("history unavailable", "error", err)
				return nil
			}
			history = turns
			return nil
		})
	}
	if s.deps.Care != nil {
		g.Go(func() error {
			cc, err := s.deps.Care.CareContext(ctx, patientID)
			if err != nil {
				log.Warn("care context unavailable", "error", err)
				return nil
			}
			care = cc
			return nil
		})
	}
	_ = g.Wait()
	span.SetAttributes(attribute.Int("history_turns", len(history)), attribute.Bool("care_context", !care.Empty()))
	return history, care
}

// locationPath answers from tool results.  ok is false when the caller
// should fall back to the general path.
func (s *ChatService) locationPath(ctx context.Context, req ProcessRequest, q intent.ParsedQuery, sessionID string, log *logger.Logger) (ProcessResult, bool, error) {
	ctx, span := s.tracer.Start(ctx, "core.LocationPath")
	defer span.End()

	// Registers the patient's own identifiers so the leak scan can catch
	// them if they ever turn up in the answer.
	if _, err := s.deps.Ledger.Anonymize(sessionID, req.MessageText); err != nil {
		log.Error("anonymization failed", "error", err)
		return ProcessResult{}, false, err
	}

	tctx, cancel := context.WithTimeout(ctx, s.cfg.ToolTimeout)
	results, err := s.deps.Locations.Search(tctx, q.Entities)
	cancel()
	if err != nil {
		log.Warn("location search failed, using general path", "error", err)
		span.SetStatus(codes.Error, "tool failure")
		return ProcessResult{}, false, nil
	}
	if len(results) == 0 {
		log.Info("location search returned nothing, using general path")
		return ProcessResult{}, false, nil
	}
	span.SetAttributes(attribute.Int("results", len(results)))

	draft := summarizeProviders(q.Entities, results)
	out, err := s.deps.Finalizer.Finalize(ctx, draft, finalize.ValidationContext{
		SkipCrossValidation: true,
		Topic:               "location",
		TrustedSpans:        trustedSpans(q.Entities, results),
	}, sessionID)
	if err != nil {
		log.Error("finalization failed", "error", err)
		return ProcessResult{}, false, err
	}
	return ProcessResult{
		ResponseText:     s.deps.Ledger.DeAnonymize(sessionID, out.FinalText),
		ToolsUsed:        []string{tools.LocationSearchTool},
		ValidationStatus: out.Status,
		Outcome:          OutcomeLocation,
		Corrections:      out.Corrections,
	}, true, nil
}

// sensitiveCategories make an answer subject to cross-validation.
var sensitiveCategories = map[redact.Category]bool{
	redact.Allergy:              true,
	redact.Diagnosis:            true,
	redact.Medication:           true,
	redact.TreatmentNote:        true,
	redact.HealthMetricSnapshot: true,
}

func (s *ChatService) generalPath(ctx context.Context, req ProcessRequest, it intent.Intent, history []pkg.ConversationTurn, care pkg.CareContext, sessionID string, log *logger.Logger) (ProcessResult, error) {
	ctx, span := s.tracer.Start(ctx, "core.GeneralPath")
	defer span.End()

	res := ProcessResult{Outcome: OutcomeGeneral}
	system := []string{SystemPrompt}
	if summary := summarizeCareContext(care); summary != "" {
		system = append(system, summary)
	}
	if it == intent.ToolAssisted {
		res.ToolsUsed = append(res.ToolsUsed, FeatureCatalogTool)
		if listed := summarizeFeatures(s.deps.Catalog.Suggest(req.MessageText, 3)); listed != "" {
			system = append(system, listed)
		}
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: strings.Join(system, "\n\n")}}
	messages = append(messages, historyMessages(history)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.MessageText})
	for i := range messages {
		// the fixed prompt carries no patient data
		if i == 0 && len(system) == 1 {
			continue
		}
		redacted, err := s.deps.Ledger.Anonymize(sessionID, messages[i].Content)
		if err != nil {
			log.Error("anonymization failed", "error", err)
			span.SetStatus(codes.Error, "redaction failure")
			return ProcessResult{}, err
		}
		messages[i].Content = redacted
	}

	gen, err := s.deps.Providers.Generate(ctx, req.Session.ConnectivityTier, it, messages)
	res.ModelUsed = gen.Model
	if err != nil {
		log.Error("generation failed, returning apology", "attempts", gen.Attempts, "error", err)
		span.SetStatus(codes.Error, "providers exhausted")
		return ProcessResult{
			ResponseText:     ApologyMessage,
			ToolsUsed:        res.ToolsUsed,
			ValidationStatus: finalize.StatusNotRequired,
			Outcome:          OutcomeFallback,
		}, nil
	}

	vctx := finalize.ValidationContext{Topic: "general"}
	for _, c := range s.deps.Ledger.Categories(sessionID) {
		if sensitiveCategories[c] {
			vctx.RequiresValidation = true
			vctx.Topic = "clinical"
			break
		}
	}
	out, err := s.deps.Finalizer.Finalize(ctx, gen.Text, vctx, sessionID)
	if err != nil {
		log.Error("finalization failed", "error", err)
		return ProcessResult{}, err
	}
	if len(out.Corrections) > 0 {
		log.Info("answer corrected before return", "status", string(out.Status), "corrections", len(out.Corrections))
	}

	res.ResponseText = s.deps.Ledger.DeAnonymize(sessionID, out.FinalText)
	res.ValidationStatus = out.Status
	res.Corrections = out.Corrections
	res.Unvalidated = out.Unvalidated
	return res, nil
}

// remember appends the exchange to history.  It never fails the request.
func (s *ChatService) remember(ctx context.Context, req ProcessRequest, res ProcessResult) {
	if s.deps.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FetchTimeout)
	defer cancel()
	now := s.now()
	turns := []pkg.ConversationTurn{
		{PatientID: req.PatientID, Role: pkg.RolePatient, Text: req.MessageText, Timestamp: req.SentAt},
		{PatientID: req.PatientID, Role: pkg.RoleAssistant, Text: res.ResponseText, Timestamp: now},
	}
	for _, t := range turns {
		if err := s.deps.History.AppendTurn(ctx, t); err != nil {
			s.log.Warn("history append failed", "patient_id", req.PatientID, "error", err)
			return
		}
	}
}
