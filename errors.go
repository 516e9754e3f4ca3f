package auditry

import "errors"

var (
	// ErrNilStore is returned by New when no data store is given.
	ErrNilStore = errors.New("auditry: nil store")
	// ErrConflictingFields is returned by New when a field is both excluded and redacted.
	ErrConflictingFields = errors.New("auditry: field is both excluded and redacted")
	// ErrUnknownModel is returned by New when an entity config names a model the schema lacks.
	ErrUnknownModel = errors.New("auditry: unknown model")
	// ErrMissingEntityConfig is returned before execution when a batch operation targets an unconfigured model.
	ErrMissingEntityConfig = errors.New("auditry: missing entity config")
	// ErrEnrichmentTimeout wraps an enrichment call that exceeded its timeout.
	ErrEnrichmentTimeout = errors.New("auditry: enrichment timed out")
	// ErrEnrichmentMisaligned is returned when a batch enricher's result length differs from its input.
	ErrEnrichmentMisaligned = errors.New("auditry: enrichment result misaligned with input")
	// ErrNilID is returned by NormalizeID for nil input.
	ErrNilID = errors.New("auditry: nil id")
)
