package auditry

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings are the deployable knobs of a Client. They load from the
// environment (AUDITRY_*), optionally overlaid by a YAML file.
type Settings struct {
	AuditModel          string             `env:"AUDITRY_AUDIT_MODEL" envDefault:"AuditLog" yaml:"audit_model"`
	AwaitWrite          bool               `env:"AUDITRY_AWAIT_WRITE" yaml:"await_write"`
	AwaitWriteTags      []string           `env:"AUDITRY_AWAIT_WRITE_TAGS" envSeparator:"," yaml:"await_write_tags"`
	ExcludeFields       []string           `env:"AUDITRY_EXCLUDE_FIELDS" envSeparator:"," yaml:"exclude_fields"`
	RedactFields        []string           `env:"AUDITRY_REDACT_FIELDS" envSeparator:"," yaml:"redact_fields"`
	FetchBeforeUpdate   *bool              `env:"AUDITRY_FETCH_BEFORE_UPDATE" yaml:"fetch_before_update"`
	FetchBeforeDelete   *bool              `env:"AUDITRY_FETCH_BEFORE_DELETE" yaml:"fetch_before_delete"`
	EnrichTimeout       time.Duration      `env:"AUDITRY_ENRICH_TIMEOUT" envDefault:"5s" yaml:"enrich_timeout"`
	EnrichErrorStrategy string             `env:"AUDITRY_ENRICH_ERRORS" envDefault:"log" yaml:"enrich_errors"`
	WriteErrorStrategy  string             `env:"AUDITRY_WRITE_ERRORS" envDefault:"log" yaml:"write_errors"`
	SampleRates         map[string]float64 `env:"AUDITRY_SAMPLE_RATES" yaml:"sample_rates"`
	LogLevel            string             `env:"AUDITRY_LOG_LEVEL" envDefault:"info" yaml:"log_level"`
	LogFormat           string             `env:"AUDITRY_LOG_FORMAT" envDefault:"json" yaml:"log_format"`
}

// LoadSettings reads a .env file if present, parses the environment, then
// overlays path when it is non-empty.
func LoadSettings(path string) (Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("auditry: load .env: %w", err)
	}
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("auditry: parse env: %w", err)
	}
	if path == "" {
		return s, s.validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("auditry: read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("auditry: parse settings %s: %w", path, err)
	}
	return s, s.validate()
}

func (s Settings) validate() error {
	var errs []error
	for _, v := range []string{s.EnrichErrorStrategy, s.WriteErrorStrategy} {
		if _, err := parseStrategy(v); err != nil {
			errs = append(errs, err)
		}
	}
	for tag, r := range s.SampleRates {
		if r < 0 || r > 1 {
			errs = append(errs, fmt.Errorf("auditry: sample rate for %q must be within [0, 1], got %v", tag, r))
		}
	}
	if _, err := parseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(s.LogFormat) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("auditry: invalid log format %q: must be %q or %q", s.LogFormat, "json", "text"))
	}
	return errors.Join(errs...)
}

// Apply folds the settings into cfg. Fields of cfg that settings do not
// cover are left alone.
func (s Settings) Apply(cfg *Config) {
	if s.AuditModel != "" {
		cfg.AuditModel = s.AuditModel
	}
	cfg.AwaitWrite = s.AwaitWrite
	if len(s.AwaitWriteTags) > 0 {
		tags := slices.Clone(s.AwaitWriteTags)
		global := s.AwaitWrite
		cfg.AwaitWriteFor = func(modelTags []string) bool {
			for _, t := range modelTags {
				if slices.Contains(tags, t) {
					return true
				}
			}
			return global
		}
	}
	cfg.ExcludeFields = append(cfg.ExcludeFields, s.ExcludeFields...)
	cfg.RedactFields = append(cfg.RedactFields, s.RedactFields...)
	if s.FetchBeforeUpdate != nil {
		cfg.FetchBefore.Update = s.FetchBeforeUpdate
	}
	if s.FetchBeforeDelete != nil {
		cfg.FetchBefore.Delete = s.FetchBeforeDelete
	}
	if s.EnrichTimeout > 0 {
		cfg.EnrichTimeout = s.EnrichTimeout
	}
	if st, err := parseStrategy(s.EnrichErrorStrategy); err == nil {
		cfg.EnrichmentErrors.Strategy = st
	}
	if st, err := parseStrategy(s.WriteErrorStrategy); err == nil {
		cfg.WriteErrors.Strategy = st
	}
	if len(s.SampleRates) > 0 {
		rates := make(map[string]float64, len(s.SampleRates))
		for k, v := range s.SampleRates {
			rates[k] = v
		}
		cfg.SampleRate = func(tags []string) float64 {
			rate := 1.0
			for _, t := range tags {
				if r, ok := rates[t]; ok && r < rate {
					rate = r
				}
			}
			return rate
		}
	}
}

func parseStrategy(v string) (ErrorStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "log":
		return ErrorLog, nil
	case "fail":
		return ErrorFail, nil
	case "custom":
		return ErrorCustom, nil
	default:
		return ErrorLog, fmt.Errorf("auditry: invalid error strategy %q", v)
	}
}

func parseLevel(v string) (slog.Level, error) {
	var l slog.Level
	if v == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo, fmt.Errorf("auditry: invalid log level %q", v)
	}
	return l, nil
}

// NewLogger builds the slog logger described by s, writing to w
// (os.Stderr when nil).
func NewLogger(s Settings, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, _ := parseLevel(s.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(s.LogFormat, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With(slog.String("component", "auditry"))
}
