package migration

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/cidermigrate/internal/promise"
	"github.com/roach88/cidermigrate/internal/record"
)

// FailedPromisePrefix starts the key that replaces an unresolved placeholder.
const FailedPromisePrefix = "FAILED_PROMISE::"

// EmitOptions controls emission.
type EmitOptions struct {
	// DiscardFailedPromises drops array elements that carry a failed
	// promise marker at their top level.
	DiscardFailedPromises bool
}

// AllRecords calls fn for every stored record, category by category, in
// emission form. Iteration stops at the first error.
func (s *Store) AllRecords(ctx context.Context, opts EmitOptions, fn func(cat Category, rec record.Object) error) error {
	for _, cat := range s.order {
		err := s.Each(ctx, cat, opts, func(rec record.Object) error {
			return fn(cat, rec)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Each calls fn for every record in cat in emission form: jsonmodel_type
// stamped (unless the record sets its own), placeholders resolved, and
// underscore-prefixed keys removed. Stored records are not modified, so
// emitting twice yields identical output.
func (s *Store) Each(ctx context.Context, cat Category, opts EmitOptions, fn func(rec record.Object) error) error {
	ks, err := s.store(cat)
	if err != nil {
		return err
	}
	modelType := s.infos[cat].modelType

	return ks.ForEach(func(key string, stored record.Object) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		resolved, err := s.resolve(ctx, stored)
		if err != nil {
			return fmt.Errorf("resolve %s %s: %w", cat, key, err)
		}
		out := resolved.(record.Object)
		if _, ok := out["jsonmodel_type"]; !ok {
			out["jsonmodel_type"] = record.String(modelType)
		}
		return fn(s.prune(out, opts).(record.Object))
	})
}

// resolve returns a copy of v with every placeholder replaced by its
// delivered value. A placeholder held under a key whose promise was never
// delivered is replaced by the key FAILED_PROMISE::<kind> holding the source
// id. A placeholder held directly in an array becomes an object with that
// single key.
func (s *Store) resolve(ctx context.Context, v record.Value) (record.Value, error) {
	switch val := v.(type) {
	case record.Object:
		out := make(record.Object, len(val))
		for k, elem := range val {
			if ref, ok := elem.(record.PromiseRef); ok {
				value, found, err := s.fetch(ctx, ref)
				if err != nil {
					return nil, err
				}
				if found {
					out[k] = record.String(value)
				} else {
					out[FailedPromiseKey(ref.Kind)] = record.String(ref.SourceID)
				}
				continue
			}
			resolved, err := s.resolve(ctx, elem)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil

	case record.Array:
		out := make(record.Array, len(val))
		for i, elem := range val {
			if ref, ok := elem.(record.PromiseRef); ok {
				value, found, err := s.fetch(ctx, ref)
				if err != nil {
					return nil, err
				}
				if found {
					out[i] = record.String(value)
				} else {
					out[i] = record.Object{FailedPromiseKey(ref.Kind): record.String(ref.SourceID)}
				}
				continue
			}
			resolved, err := s.resolve(ctx, elem)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	case record.PromiseRef:
		value, found, err := s.fetch(ctx, val)
		if err != nil {
			return nil, err
		}
		if !found {
			return record.Object{FailedPromiseKey(val.Kind): record.String(val.SourceID)}, nil
		}
		return record.String(value), nil

	default:
		return v, nil
	}
}

func (s *Store) fetch(ctx context.Context, ref record.PromiseRef) (string, bool, error) {
	value, found, err := s.promises.FetchPromise(ctx, ref.Kind, ref.SourceID)
	if err != nil {
		return "", false, err
	}
	if !found {
		slog.Warn("failed to resolve promise", "kind", ref.Kind, "id", ref.SourceID)
		s.metrics.FailedPromise(string(ref.Kind))
	}
	return value, found, nil
}

// prune drops underscore-prefixed keys at every level and, when requested,
// array elements carrying a failed promise marker.
func (s *Store) prune(v record.Value, opts EmitOptions) record.Value {
	switch val := v.(type) {
	case record.Object:
		out := make(record.Object, len(val))
		for k, elem := range val {
			if strings.HasPrefix(k, "_") {
				continue
			}
			out[k] = s.prune(elem, opts)
		}
		return out

	case record.Array:
		out := make(record.Array, 0, len(val))
		for _, elem := range val {
			elem = s.prune(elem, opts)
			if opts.DiscardFailedPromises && hasFailedPromise(elem) {
				data, _ := record.MarshalValue(elem)
				slog.Warn("pruning object with failed promise", "object", string(data))
				s.metrics.Pruned()
				continue
			}
			out = append(out, elem)
		}
		return out

	default:
		return v
	}
}

// hasFailedPromise reports whether v is an object with a top-level failed
// promise key.
func hasFailedPromise(v record.Value) bool {
	obj, ok := v.(record.Object)
	if !ok {
		return false
	}
	for k := range obj {
		if strings.HasPrefix(k, FailedPromisePrefix) {
			return true
		}
	}
	return false
}

// FailedPromiseKey returns the key an unresolved placeholder of kind is
// replaced with.
func FailedPromiseKey(kind promise.Kind) string {
	return FailedPromisePrefix + string(kind)
}
