package auditry

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mickamy/auditry/store"
)

const (
	// DefaultAuditModel is the model default persistence writes to.
	DefaultAuditModel = "AuditLog"
	// DefaultEnrichTimeout bounds every enrichment call.
	DefaultEnrichTimeout = 5 * time.Second
)

// IDResolver returns the id of an entity.
type IDResolver func(entity store.Record) (any, error)

// FetchBefore controls pre-mutation lookups for nested update and delete
// locations. nil leaves the decision to the next level.
type FetchBefore struct {
	Update *bool
	Delete *bool
}

// Bool returns a pointer to b, for FetchBefore fields.
func Bool(b bool) *bool { return &b }

// EntityConfig describes how one model is audited.
type EntityConfig struct {
	Category string
	Type     string // defaults to the model name
	// ID defaults to the primary key, then "id", "<singular>Id" and "<singular>_id".
	ID             IDResolver
	AggregateRoots []AggregateRoot
	ExcludeFields  []string
	ExcludeSelf    bool
	EnrichContext  BatchEnricher
	FetchBefore    FetchBefore
	// Tags select sampling and durability overrides.
	Tags []string
}

// Config defines the main configuration options for auditry.
type Config struct {
	Entities   map[string]EntityConfig
	AuditModel string // default "AuditLog"

	ExcludeFields []string // removed from diffs of every model
	RedactFields  []string // replaced by markers in snapshots and diffs

	// AwaitWrite makes every audit write synchronous.
	AwaitWrite bool
	// AwaitWriteFor overrides AwaitWrite per model tags when set.
	AwaitWriteFor func(tags []string) bool
	// SampleRate returns the fraction of entities to audit, in [0, 1]. nil audits all.
	SampleRate func(tags []string) float64

	FetchBefore FetchBefore

	ActorEnricher    ActorEnricher
	EnrichTimeout    time.Duration
	EnrichmentErrors ErrorPolicy
	WriteErrors      ErrorPolicy

	Writer  Writer
	Logger  *slog.Logger
	Metrics *Metrics
	Tracer  trace.Tracer

	now  func() time.Time
	rand func() float64
}

func (c Config) withDefaults() Config {
	if c.AuditModel == "" {
		c.AuditModel = DefaultAuditModel
	}
	if c.EnrichTimeout <= 0 {
		c.EnrichTimeout = DefaultEnrichTimeout
	}
	if c.Writer == nil {
		c.Writer = DefaultWriter
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.Entities == nil {
		c.Entities = map[string]EntityConfig{}
	}
	return c
}

// validate reports configuration errors that are fatal at setup.
func (c Config) validate(models func(string) bool) []error {
	var errs []error
	redacted := lowerSet(c.RedactFields)
	for _, f := range c.ExcludeFields {
		if _, ok := redacted[strings.ToLower(f)]; ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrConflictingFields, f))
		}
	}
	for name, ec := range c.Entities {
		if !models(name) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownModel, name))
		}
		for _, f := range ec.ExcludeFields {
			if _, ok := redacted[strings.ToLower(f)]; ok {
				errs = append(errs, fmt.Errorf("%w: %s.%s", ErrConflictingFields, name, f))
			}
		}
	}
	return errs
}

func (c Config) entity(model string) (EntityConfig, bool) {
	ec, ok := c.Entities[model]
	if !ok {
		return EntityConfig{}, false
	}
	if ec.Type == "" {
		ec.Type = model
	}
	return ec, true
}

func (c Config) tags(model string) []string {
	return c.Entities[model].Tags
}

// awaits reports whether writes for model are synchronous.
func (c Config) awaits(model string) bool {
	if c.AwaitWriteFor != nil {
		return c.AwaitWriteFor(c.tags(model))
	}
	return c.AwaitWrite
}

func (c Config) sampleRate(model string) float64 {
	if c.SampleRate == nil {
		return 1
	}
	r := c.SampleRate(c.tags(model))
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}

// fetchBefore resolves the lookup flag for nested locations of model.
// Per-model settings win over global ones. Updates default on, deletes off.
func (c Config) fetchBefore(model string, update bool) bool {
	pick := func(fb FetchBefore) *bool {
		if update {
			return fb.Update
		}
		return fb.Delete
	}
	if v := pick(c.Entities[model].FetchBefore); v != nil {
		return *v
	}
	if v := pick(c.FetchBefore); v != nil {
		return *v
	}
	return update
}

// excluder returns the combined global and per-model excluded field check.
func (c Config) excluder(model string) func(string) bool {
	set := lowerSet(c.ExcludeFields)
	for _, f := range c.Entities[model].ExcludeFields {
		set[strings.ToLower(f)] = struct{}{}
	}
	return func(f string) bool {
		_, ok := set[strings.ToLower(f)]
		return ok
	}
}

func lowerSet(fields []string) map[string]struct{} {
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out[strings.ToLower(f)] = struct{}{}
		}
	}
	return out
}
