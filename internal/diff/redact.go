package diff

import "strings"

const (
	markerRedacted    = "redacted"
	markerHasValue    = "hasValue"
	markerIsDifferent = "isDifferent"
)

// Redactor replaces sensitive field values with content-free markers.
// Field names match case-insensitively.
type Redactor struct {
	fields map[string]struct{}
}

// NewRedactor returns a Redactor for the given field names.
func NewRedactor(fields []string) *Redactor {
	r := &Redactor{fields: make(map[string]struct{}, len(fields))}
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			r.fields[strings.ToLower(f)] = struct{}{}
		}
	}
	return r
}

// Enabled reports whether any field is redacted.
func (r *Redactor) Enabled() bool { return r != nil && len(r.fields) > 0 }

// Sensitive reports whether field is redacted.
func (r *Redactor) Sensitive(field string) bool {
	if !r.Enabled() {
		return false
	}
	_, ok := r.fields[strings.ToLower(field)]
	return ok
}

// Snapshot returns a copy of m with sensitive values replaced. nil stays nil.
func (r *Redactor) Snapshot(m map[string]any) map[string]any {
	if m == nil || !r.Enabled() {
		return m
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.Sensitive(k) {
			out[k] = Marker(v)
			continue
		}
		out[k] = v
	}
	return out
}

// Changes returns a copy of c with sensitive entries replaced.
func (r *Redactor) Changes(c Changes) Changes {
	if c == nil || !r.Enabled() {
		return c
	}
	out := make(Changes, len(c))
	for k, ch := range c {
		if !r.Sensitive(k) {
			out[k] = ch
			continue
		}
		differs := !Equal(ch.Old, ch.New)
		if IsMarker(ch.Old) || IsMarker(ch.New) {
			differs = markerDiffers(ch.Old) || markerDiffers(ch.New)
		}
		out[k] = Change{
			Old: changeMarker(ch.Old, differs),
			New: changeMarker(ch.New, differs),
		}
	}
	return out
}

// Marker returns the snapshot marker for v. Markers pass through unchanged.
func Marker(v any) map[string]any {
	if m, ok := v.(map[string]any); ok && IsMarker(m) {
		return m
	}
	return map[string]any{
		markerRedacted: true,
		markerHasValue: !isNil(v),
	}
}

func changeMarker(v any, differs bool) map[string]any {
	if m, ok := v.(map[string]any); ok && IsMarker(m) {
		if _, ok := m[markerIsDifferent]; ok {
			return m
		}
		return map[string]any{
			markerRedacted:    true,
			markerHasValue:    m[markerHasValue],
			markerIsDifferent: differs,
		}
	}
	return map[string]any{
		markerRedacted:    true,
		markerHasValue:    !isNil(v),
		markerIsDifferent: differs,
	}
}

func markerDiffers(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	d, _ := m[markerIsDifferent].(bool)
	return d
}

// IsMarker reports whether v is a redaction marker.
func IsMarker(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	red, _ := m[markerRedacted].(bool)
	_, has := m[markerHasValue]
	return red && has
}
