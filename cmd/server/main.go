package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"keepgoing-assistant/internal/alert"
	"keepgoing-assistant/internal/config"
	"keepgoing-assistant/internal/core"
	"keepgoing-assistant/internal/db"
	"keepgoing-assistant/internal/emergency"
	"keepgoing-assistant/internal/features"
	"keepgoing-assistant/internal/finalize"
	httpserver "keepgoing-assistant/internal/http"
	"keepgoing-assistant/internal/intent"
	"keepgoing-assistant/internal/llm"
	"keepgoing-assistant/internal/logger"
	"keepgoing-assistant/internal/observability"
	"keepgoing-assistant/internal/provider"
	"keepgoing-assistant/internal/redact"
	"keepgoing-assistant/internal/tools"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	lg, err := logger.New(logger.Options{Mode: cfg.Server.LogMode, Redact: true, HashSalt: cfg.Server.LogHashSalt})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("server exited", "error", err)
		lg.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, lg *logger.Logger) error {
	shutdownOtel, err := observability.Init(ctx, lg, observability.Config{
		Enabled:     cfg.Otel.Enabled,
		ServiceName: cfg.Otel.ServiceName,
		SampleRatio: cfg.Otel.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(sctx)
	}()

	// Open database connection
	dbConn, err := sql.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer dbConn.Close()
	if cfg.Database.Driver == "sqlite" {
		dbConn.SetMaxOpenConns(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbConn.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := db.Migrate(ctx, dbConn); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	repo := db.NewRepository(dbConn)

	// Dashboard events relay through Postgres NOTIFY so every replica's
	// streams see them; sqlite deployments publish in process.
	broker := httpserver.NewBroker(lg)
	var publisher alert.Publisher = broker
	if cfg.Database.Driver == "postgres" {
		notifier := db.NewNotifier(dbConn, cfg.Database.URL, cfg.Database.NotifyChannel, lg)
		payloads, err := notifier.Listen(ctx)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Database.NotifyChannel, err)
		}
		go broker.Run(ctx, payloads)
		publisher = notifier
	}

	catalog := features.NewCatalog(cfg.Features)
	allow := append(catalog.Names(), cfg.Pipeline.Allowlist...)
	ledger := redact.New(
		redact.WithAllowlist(allow...),
		redact.WithTTL(redact.Clinical, cfg.Pipeline.ClinicalTTL),
		redact.WithTTL(redact.ChatTurn, cfg.Pipeline.ChatTurnTTL),
		redact.WithSweepInterval(cfg.Pipeline.SweepInterval),
		redact.WithLogger(lg),
	)
	go ledger.Run(ctx)

	clients, err := buildClients(ctx, cfg.LLM)
	if err != nil {
		return err
	}
	policy, err := provider.ParsePolicy(cfg.LLM.Policy)
	if err != nil {
		return err
	}
	selector := provider.NewSelector(provider.Config{
		Policy:        policy,
		Timeout:       cfg.LLM.Timeout,
		RatePerSecond: cfg.LLM.RatePerSecond,
		Burst:         cfg.LLM.Burst,
	}, lg, clients...)

	var validator finalize.Validator
	if vc := validatorClient(cfg.LLM, clients); vc != nil {
		v, err := finalize.NewLLMValidator(vc, cfg.LLM.ValidatorTimeout)
		if err != nil {
			return fmt.Errorf("validator: %w", err)
		}
		validator = v
	} else {
		lg.Warn("no validator independent of the primary model; health answers will be marked unvalidated")
	}

	router := intent.NewRouter(
		intent.WithGate(cfg.Pipeline.IntentGate),
		intent.WithFeatureNames(catalog.Names()...),
		intent.WithEntityScreen(func(entity string) bool {
			return ledger.Detect(entity, redact.Email, redact.Address, redact.Phone, redact.NationalID)
		}),
	)

	var locations tools.LocationSearcher
	if cfg.Tools.LocationSearchURL != "" {
		var searcher tools.LocationSearcher = tools.NewHTTPLocationSearcher(cfg.Tools.LocationSearchURL, cfg.Tools.LocationSearchKey, cfg.Pipeline.ToolTimeout)
		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer rdb.Close()
			searcher = tools.NewCachedSearcher(searcher, rdb, cfg.Redis.CacheTTL, lg)
		}
		locations = searcher
	} else {
		lg.Warn("LOCATION_SEARCH_URL not set; location requests use the general path")
	}

	dispatcher := alert.NewDispatcher(repo, publisher, alert.Config{
		AttemptTimeout: cfg.Alerts.AttemptTimeout,
		RetryDelay:     cfg.Alerts.RetryDelay,
	}, lg, buildChannels(cfg.Alerts, lg)...)

	chat, err := core.NewChatService(core.Deps{
		Ledger:     ledger,
		Classifier: emergency.NewClassifier(emergency.WithThreshold(cfg.Pipeline.EmergencyThreshold)),
		Router:     router,
		Providers:  selector,
		Finalizer:  finalize.New(validator, catalog, ledger, finalize.WithDisagreementThreshold(cfg.Pipeline.Disagreement), finalize.WithLogger(lg)),
		Catalog:    catalog,
		Locations:  locations,
		History:    repo,
		Care:       repo,
		Alerts:     dispatcher,
	}, core.Config{
		StaleAfter:   cfg.Pipeline.StaleAfter,
		ToolTimeout:  cfg.Pipeline.ToolTimeout,
		HistoryTurns: cfg.Pipeline.HistoryTurns,
	}, lg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           httpserver.NewServer(chat, repo, broker, lg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		lg.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	lg.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown", "error", err)
	}
	// In-flight alerts must finish before the process exits.
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		lg.Warn("alerts still in flight at shutdown", "error", err)
	}
	return nil
}

// buildClients returns the configured providers in preference order,
// skipping any without credentials.
func buildClients(ctx context.Context, cfg config.LLM) ([]llm.Client, error) {
	var out []llm.Client
	for _, name := range cfg.Order {
		c, err := buildClient(ctx, name, cfg)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no llm provider configured; set OPENAI_API_KEY, ANTHROPIC_API_KEY or GOOGLE_API_KEY")
	}
	return out, nil
}

func buildClient(ctx context.Context, name string, cfg config.LLM) (llm.Client, error) {
	switch name {
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, nil
		}
		return llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: cfg.OpenAI.APIKey, Model: cfg.OpenAI.Model, BaseURL: cfg.OpenAI.BaseURL}), nil
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, nil
		}
		return llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Timeout), nil
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return nil, nil
		}
		c, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", name)
}

// validatorClient picks the cross-validation model.  The named provider is
// preferred, then the second configured one.  A validator that is the same
// model as the primary generator is not independent, so nil is returned
// and health answers are marked unvalidated.
func validatorClient(cfg config.LLM, clients []llm.Client) llm.Client {
	var named llm.Client
	if cfg.Validator != "" {
		if c, err := buildClient(context.Background(), cfg.Validator, cfg); err == nil {
			named = c
		}
	}
	return pickValidator(named, clients)
}

func pickValidator(named llm.Client, clients []llm.Client) llm.Client {
	if len(clients) == 0 {
		return named
	}
	primary := clients[0].Model()
	if named != nil && named.Model() != primary {
		return named
	}
	for _, c := range clients[1:] {
		if c.Model() != primary {
			return c
		}
	}
	return nil
}

func buildChannels(cfg config.Alerts, lg *logger.Logger) []alert.Channel {
	var out []alert.Channel
	if cfg.SendGrid.APIKey != "" {
		ch, err := alert.NewSendGridChannel(alert.SendGridConfig{
			APIKey:    cfg.SendGrid.APIKey,
			FromEmail: cfg.SendGrid.FromEmail,
			FromName:  cfg.SendGrid.FromName,
			Timeout:   cfg.AttemptTimeout,
		})
		if err != nil {
			lg.Warn("sendgrid channel disabled", "error", err)
		} else {
			out = append(out, ch)
		}
	}
	if cfg.Twilio.AccountSID != "" {
		ch, err := alert.NewTwilioChannel(alert.TwilioConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			FromNumber: cfg.Twilio.FromNumber,
			Timeout:    cfg.AttemptTimeout,
		})
		if err != nil {
			lg.Warn("twilio channel disabled", "error", err)
		} else {
			out = append(out, ch)
		}
	}
	if len(out) == 0 {
		lg.Warn("no alert channel configured; alerts are recorded and streamed only")
	}
	return out
}
