package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"keepgoing-assistant/internal/features"
)

type Server struct {
	Port        string `yaml:"port"`
	LogMode     string `yaml:"log_mode"`
	LogHashSalt string `yaml:"log_hash_salt"`
}

type Database struct {
	// Driver is "postgres" or "sqlite".
	Driver        string `yaml:"driver"`
	URL           string `yaml:"url"`
	NotifyChannel string `yaml:"notify_channel"`
}

type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type Provider struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type LLM struct {
	// Order lists provider names in preference order: openai, anthropic, gemini.
	Order         []string      `yaml:"order"`
	Policy        string        `yaml:"policy"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	// Validator names the provider used for cross-validation.
	Validator        string        `yaml:"validator"`
	ValidatorTimeout time.Duration `yaml:"validator_timeout"`
	OpenAI           Provider      `yaml:"openai"`
	Anthropic        Provider      `yaml:"anthropic"`
	Gemini           Provider      `yaml:"gemini"`
}

type Pipeline struct {
	StaleAfter         time.Duration `yaml:"stale_after"`
	EmergencyThreshold float64       `yaml:"emergency_threshold"`
	IntentGate         float64       `yaml:"intent_gate"`
	Disagreement       float64       `yaml:"disagreement"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	HistoryTurns       int           `yaml:"history_turns"`
	ClinicalTTL        time.Duration `yaml:"clinical_ttl"`
	ChatTurnTTL        time.Duration `yaml:"chat_turn_ttl"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	Allowlist          []string      `yaml:"allowlist"`
}

type Tools struct {
	LocationSearchURL string `yaml:"location_search_url"`
	LocationSearchKey string `yaml:"location_search_key"`
}

type SendGrid struct {
	APIKey    string `yaml:"api_key"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

type Twilio struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

type Alerts struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	SendGrid       SendGrid      `yaml:"sendgrid"`
	Twilio         Twilio        `yaml:"twilio"`
}

type Otel struct {
	Enabled     bool    `yaml:"enabled"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

// Config is the full service configuration.
type Config struct {
	Server   Server             `yaml:"server"`
	Database Database           `yaml:"database"`
	Redis    Redis              `yaml:"redis"`
	LLM      LLM                `yaml:"llm"`
	Pipeline Pipeline           `yaml:"pipeline"`
	Tools    Tools              `yaml:"tools"`
	Alerts   Alerts             `yaml:"alerts"`
	Otel     Otel               `yaml:"otel"`
	Features []features.Feature `yaml:"features"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server:   Server{Port: "8080", LogMode: "dev"},
		Database: Database{Driver: "postgres", NotifyChannel: "clinician_alerts"},
		Redis:    Redis{CacheTTL: 6 * time.Hour},
		LLM: LLM{
			Order:            []string{"openai", "anthropic"},
			Policy:           "primary-first",
			Timeout:          20 * time.Second,
			RatePerSecond:    5,
			Burst:            10,
			ValidatorTimeout: 15 * time.Second,
			OpenAI:           Provider{Model: "gpt-4o-mini"},
			Anthropic:        Provider{Model: "claude-3-5-haiku-latest"},
			Gemini:           Provider{Model: "gemini-1.5-flash"},
		},
		Pipeline: Pipeline{
			StaleAfter:         15 * time.Minute,
			EmergencyThreshold: 0.7,
			IntentGate:         0.7,
			Disagreement:       0.5,
			ToolTimeout:        8 * time.Second,
			HistoryTurns:       10,
			ClinicalTTL:        2 * time.Hour,
			ChatTurnTTL:        10 * time.Minute,
			SweepInterval:      time.Minute,
		},
		Alerts: Alerts{AttemptTimeout: 10 * time.Second, RetryDelay: 2 * time.Second},
		Otel:   Otel{SampleRatio: 0.1, ServiceName: "keepgoing-assistant"},
	}
}

// Load reads .env if present, then the YAML file named by CONFIG_FILE, then
// applies environment overrides on top.
func Load() (Config, error) {
	// Try to load .env file, ignore error if it doesn't exist
	_ = godotenv.Load()

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from the environment.  Malformed numbers and
// durations are errors rather than silently ignored.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(dst *string, key string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(dst *int, key string) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(dst *float64, key string) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(dst *bool, key string) {
		if v, ok := lookup(key); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				errs = append(errs, fmt.Errorf("%s: not a boolean: %q", key, v))
			}
		}
	}
	list := func(dst *[]string, key string) {
		if v, ok := lookup(key); ok {
			var out []string
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	str(&c.Server.Port, "PORT")
	str(&c.Server.LogMode, "LOG_MODE")
	str(&c.Server.LogHashSalt, "LOG_HASH_SALT")

	str(&c.Database.Driver, "DATABASE_DRIVER")
	str(&c.Database.URL, "DATABASE_URL")
	str(&c.Database.NotifyChannel, "POSTGRES_NOTIFY_CHANNEL")

	str(&c.Redis.Addr, "REDIS_ADDR")
	str(&c.Redis.Password, "REDIS_PASSWORD")
	num(&c.Redis.DB, "REDIS_DB")
	dur(&c.Redis.CacheTTL, "LOCATION_CACHE_TTL")

	list(&c.LLM.Order, "LLM_PROVIDERS")
	str(&c.LLM.Policy, "PROVIDER_POLICY")
	dur(&c.LLM.Timeout, "LLM_TIMEOUT")
	float(&c.LLM.RatePerSecond, "LLM_RATE_PER_SECOND")
	num(&c.LLM.Burst, "LLM_BURST")
	str(&c.LLM.Validator, "VALIDATOR_PROVIDER")
	dur(&c.LLM.ValidatorTimeout, "VALIDATOR_TIMEOUT")
	str(&c.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
	str(&c.LLM.OpenAI.Model, "OPENAI_MODEL_CHAT")
	str(&c.LLM.OpenAI.BaseURL, "OPENAI_BASE_URL")
	str(&c.LLM.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	str(&c.LLM.Anthropic.Model, "ANTHROPIC_MODEL")
	str(&c.LLM.Anthropic.BaseURL, "ANTHROPIC_BASE_URL")
	str(&c.LLM.Gemini.APIKey, "GOOGLE_API_KEY")
	str(&c.LLM.Gemini.Model, "GEMINI_MODEL")

	dur(&c.Pipeline.StaleAfter, "STALE_AFTER")
	float(&c.Pipeline.EmergencyThreshold, "EMERGENCY_THRESHOLD")
	float(&c.Pipeline.IntentGate, "INTENT_GATE")
	float(&c.Pipeline.Disagreement, "VALIDATION_DISAGREEMENT")
	dur(&c.Pipeline.ToolTimeout, "TOOL_TIMEOUT")
	num(&c.Pipeline.HistoryTurns, "HISTORY_TURNS")
	dur(&c.Pipeline.ClinicalTTL, "REDACTION_CLINICAL_TTL")
	dur(&c.Pipeline.ChatTurnTTL, "REDACTION_CHAT_TTL")
	dur(&c.Pipeline.SweepInterval, "REDACTION_SWEEP_INTERVAL")
	list(&c.Pipeline.Allowlist, "REDACTION_ALLOWLIST")

	str(&c.Tools.LocationSearchURL, "LOCATION_SEARCH_URL")
	str(&c.Tools.LocationSearchKey, "LOCATION_SEARCH_API_KEY")

	dur(&c.Alerts.AttemptTimeout, "ALERT_ATTEMPT_TIMEOUT")
	dur(&c.Alerts.RetryDelay, "ALERT_RETRY_DELAY")
	str(&c.Alerts.SendGrid.APIKey, "SENDGRID_API_KEY")
	str(&c.Alerts.SendGrid.FromEmail, "SENDGRID_FROM_EMAIL")
	str(&c.Alerts.SendGrid.FromName, "SENDGRID_FROM_NAME")
	str(&c.Alerts.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	str(&c.Alerts.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	str(&c.Alerts.Twilio.FromNumber, "TWILIO_FROM_NUMBER")

	boolean(&c.Otel.Enabled, "OTEL_ENABLED")
	float(&c.Otel.SampleRatio, "OTEL_SAMPLER_RATIO")
	str(&c.Otel.ServiceName, "OTEL_SERVICE_NAME")

	return errors.Join(errs...)
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		errs = append(errs, errors.New("DATABASE_URL must be set"))
	}
	for name, v := range map[string]float64{
		"emergency_threshold": c.Pipeline.EmergencyThreshold,
		"intent_gate":         c.Pipeline.IntentGate,
		"disagreement":        c.Pipeline.Disagreement,
		"sample_ratio":        c.Otel.SampleRatio,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	for _, p := range c.LLM.Order {
		switch p {
		case "openai", "anthropic", "gemini":
		default:
			errs = append(errs, fmt.Errorf("unknown llm provider %q", p))
		}
	}
	return errors.Join(errs...)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}
