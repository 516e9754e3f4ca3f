package auditry

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/mickamy/auditry/internal/ident"
	"github.com/mickamy/auditry/schema"
	"github.com/mickamy/auditry/store"
)

// Resolver returns the id of the aggregate root an entity belongs to.
// A nil id means the entity does not belong to that root.
type Resolver func(ctx context.Context, entity store.Record, r store.Reader) (any, error)

// AggregateRoot declares a business aggregate an entity reports under.
type AggregateRoot struct {
	Category string
	Type     string
	Resolve  Resolver
	// EnrichContext is called once per run with every entity resolved to this root.
	EnrichContext BatchEnricher
}

// ForeignKey resolves the root id from a field of the entity.
func ForeignKey(field string) Resolver {
	return func(_ context.Context, entity store.Record, _ store.Reader) (any, error) {
		return entity[field], nil
	}
}

// Transform resolves the root id by applying fn to a field of the entity.
func Transform(field string, fn func(any) any) Resolver {
	return func(_ context.Context, entity store.Record, _ store.Reader) (any, error) {
		v, ok := entity[field]
		if !ok || v == nil {
			return nil, nil
		}
		return fn(v), nil
	}
}

// Lookup resolves the root id through another model: it finds the model
// record whose remote field equals the entity's local field and returns its
// pick field.
//
//	// Comment -> Post -> authorId
//	auditry.Lookup("Post", "postId", "id", "authorId")
func Lookup(model, local, remote, pick string) Resolver {
	return func(ctx context.Context, entity store.Record, r store.Reader) (any, error) {
		v, ok := entity[local]
		if !ok || v == nil {
			return nil, nil
		}
		recs, err := r.FindMany(ctx, model, store.Query{Where: map[string]any{remote: v}})
		if err != nil {
			return nil, fmt.Errorf("auditry: lookup %s.%s: %w", model, remote, err)
		}
		if len(recs) == 0 {
			return nil, nil
		}
		return recs[0][pick], nil
	}
}

// NormalizeID renders an id in its canonical string form.
func NormalizeID(v any) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", ErrNilID
	case string:
		return id, nil
	case []byte:
		return string(id), nil
	case bool:
		return strconv.FormatBool(id), nil
	case int:
		return strconv.FormatInt(int64(id), 10), nil
	case int8:
		return strconv.FormatInt(int64(id), 10), nil
	case int16:
		return strconv.FormatInt(int64(id), 10), nil
	case int32:
		return strconv.FormatInt(int64(id), 10), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	case uint:
		return strconv.FormatUint(uint64(id), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(id), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(id), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(id), 10), nil
	case uint64:
		return strconv.FormatUint(id, 10), nil
	case float32:
		return formatFloat(float64(id)), nil
	case float64:
		return formatFloat(id), nil
	case *big.Int:
		if id == nil {
			return "", ErrNilID
		}
		return id.String(), nil
	case fmt.Stringer:
		return id.String(), nil
	default:
		return fmt.Sprint(id), nil
	}
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// defaultID returns the IDResolver used when EntityConfig.ID is unset.
func defaultID(m *schema.Model) IDResolver {
	return func(entity store.Record) (any, error) {
		if m != nil && len(m.PrimaryKey) > 0 {
			parts := make([]string, 0, len(m.PrimaryKey))
			for _, f := range m.PrimaryKey {
				s, err := NormalizeID(entity[f])
				if err != nil {
					return nil, fmt.Errorf("auditry: %s.%s: %w", m.Name, f, err)
				}
				parts = append(parts, s)
			}
			if len(parts) == 1 {
				return entity[m.PrimaryKey[0]], nil
			}
			return strings.Join(parts, ":"), nil
		}
		if v, ok := entity["id"]; ok && v != nil {
			return v, nil
		}
		name := ""
		if m != nil {
			name = m.Name
		}
		singular := inflection.Singular(lowerFirst(name))
		for _, k := range []string{singular + "Id", ident.SnakeCase(singular) + "_id"} {
			if v, ok := entity[k]; ok && v != nil {
				return v, nil
			}
		}
		return nil, ErrNilID
	}
}

type rootRef struct {
	Category string
	Type     string
	ID       string
	decl     int // index into AggregateRoots, -1 for self
}

func (r rootRef) key() string { return r.Category + "\x00" + r.Type + "\x00" + r.ID }

// resolveRoots returns self first (unless excluded), then each declared root
// in declaration order, deduplicated. Resolvers read through r, the run's
// handle, so records written earlier in the same transaction are visible.
// Resolver errors drop that root.
func (c *Client) resolveRoots(ctx context.Context, r store.Reader, model string, ec EntityConfig, selfID string, entity store.Record) []rootRef {
	var out []rootRef
	seen := map[string]struct{}{}
	add := func(r rootRef) {
		if _, dup := seen[r.key()]; dup {
			return
		}
		seen[r.key()] = struct{}{}
		out = append(out, r)
	}
	if !ec.ExcludeSelf {
		add(rootRef{Category: ec.Category, Type: ec.Type, ID: selfID, decl: -1})
	}
	for i, ar := range ec.AggregateRoots {
		if ar.Resolve == nil {
			continue
		}
		v, err := ar.Resolve(ctx, entity, r)
		if err != nil {
			c.logger.WarnContext(ctx, "auditry: aggregate root resolution failed",
				"model", model, "root", ar.Type, "error", err)
			continue
		}
		id, err := NormalizeID(v)
		if err != nil {
			continue
		}
		add(rootRef{Category: ar.Category, Type: ar.Type, ID: id, decl: i})
	}
	return out
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
