package migration

import (
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/roach88/cidermigrate/internal/record"
)

// agentRef locates a stored agent.
type agentRef struct {
	cat Category
	id  string
}

// AgentGroups tracks agents known to be duplicates of one another. Agents
// registered under the same group are stored once, as a record whose id is
// the group identifier; later members are merged into it.
type AgentGroups struct {
	store *Store

	// duplicates maps "<role>_<id>" to its group identifier.
	duplicates map[string]string
	bySortName map[string]agentRef
}

func newAgentGroups(s *Store) *AgentGroups {
	return &AgentGroups{
		store:      s,
		duplicates: make(map[string]string),
		bySortName: make(map[string]agentRef),
	}
}

// GroupID returns the record id used for agent group g.
func GroupID(group string) string {
	return "AgentGroup_" + group
}

// Group registers the agent with the given role and legacy id as a member
// of group.
func (g *AgentGroups) Group(role, id, group string) {
	g.duplicates[duplicateKey(role, id)] = GroupID(group)
}

// IsKnownDuplicate reports whether the agent was registered with Group.
func (g *AgentGroups) IsKnownDuplicate(role, id string) bool {
	_, ok := g.duplicates[duplicateKey(role, id)]
	return ok
}

// maybeGroup handles rec if it belongs to an agent group. When the group's
// record already exists, rec is merged into it and merged is true. When it
// does not, rec is renamed to the group id so later members find it. Either
// way rec keeps a provenance marker citing its legacy id.
// Agents outside any group that share a sort name with a stored agent are
// reported.
func (g *AgentGroups) maybeGroup(role string, rec record.Object) (merged bool, uri string, err error) {
	groupID, known := g.duplicates[duplicateKey(role, rec.Str("id"))]
	if !known {
		g.warnOnNameMatch(role, rec)
		return false, "", nil
	}
	stampExternalID(rec, rec.Str("id"))

	if existingCat, ok := g.store.FindStoreContainingRecord(groupID); ok {
		uri, err := g.merge(existingCat, groupID, rec)
		return err == nil, uri, err
	}

	rec["id"] = record.String(groupID)
	return false, "", nil
}

// merge folds rec into the group record and returns the group's URI.
func (g *AgentGroups) merge(cat Category, groupID string, rec record.Object) (string, error) {
	ks, err := g.store.store(cat)
	if err != nil {
		return "", err
	}
	existing, err := ks.Get(groupID)
	if err != nil {
		return "", fmt.Errorf("merge agent into %s: %w", groupID, err)
	}

	mergedValue, err := deepMerge(existing, rec)
	if err != nil {
		return "", fmt.Errorf("merge agent %s into %s: %w", rec.Str("id"), groupID, err)
	}
	merged := mergedValue.(record.Object)
	merged["uri"] = existing["uri"]
	merged["id"] = record.String(groupID)

	if err := ks.Put(groupID, merged); err != nil {
		return "", fmt.Errorf("store merged agent %s: %w", groupID, err)
	}
	slog.Debug("merged agent into group", "category", cat, "id", rec.Str("id"), "group", groupID)
	return existing.Str("uri"), nil
}

func (g *AgentGroups) recordAgent(cat Category, rec record.Object) {
	if name := sortName(rec); name != "" {
		g.bySortName[name] = agentRef{cat: cat, id: rec.Str("id")}
	}
}

func (g *AgentGroups) warnOnNameMatch(role string, rec record.Object) {
	name := sortName(rec)
	if name == "" {
		return
	}
	ref, ok := g.bySortName[name]
	if !ok {
		return
	}
	slog.Warn("agent shares a name with a stored agent but is not grouped",
		"sort_name", name, "role", role, "id", rec.Str("id"),
		"other_category", ref.cat, "other_id", ref.id)
}

func duplicateKey(role, id string) string {
	return role + "_" + id
}

// sortName returns names[0].sort_name, or "".
func sortName(rec record.Object) string {
	names, ok := rec["names"].(record.Array)
	if !ok || len(names) == 0 {
		return ""
	}
	first, ok := names[0].(record.Object)
	if !ok {
		return ""
	}
	return first.Str("sort_name")
}

// deepMerge combines two values. Objects merge key by key; arrays are
// concatenated and de-duplicated ignoring underscore-prefixed keys; for
// differing scalars the first value wins. A missing or null side yields the
// other side.
func deepMerge(a, b record.Value) (record.Value, error) {
	if isNull(a) {
		return cloneOf(b), nil
	}
	if isNull(b) {
		return cloneOf(a), nil
	}

	switch av := a.(type) {
	case record.Object:
		bv, ok := b.(record.Object)
		if !ok {
			return nil, fmt.Errorf("cannot merge %T with %T", a, b)
		}
		out := make(record.Object, len(av)+len(bv))
		for k, v := range av {
			merged, err := deepMerge(v, bv[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = merged
		}
		for k, v := range bv {
			if _, seen := av[k]; !seen {
				out[k] = cloneOf(v)
			}
		}
		return out, nil

	case record.Array:
		bv, ok := b.(record.Array)
		if !ok {
			return nil, fmt.Errorf("cannot merge %T with %T", a, b)
		}
		out := make(record.Array, 0, len(av)+len(bv))
		seen := make(map[string]struct{}, len(av)+len(bv))
		for _, elem := range append(append(record.Array{}, av...), bv...) {
			key, err := dedupeKey(elem)
			if err != nil {
				return nil, err
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, cloneOf(elem))
		}
		return out, nil

	default:
		if reflect.TypeOf(a) != reflect.TypeOf(b) {
			return nil, fmt.Errorf("cannot merge %T with %T", a, b)
		}
		if a != b {
			slog.Info("agent merge collision, keeping first value", "kept", a, "dropped", b)
		}
		return a, nil
	}
}

// dedupeKey identifies an array element for de-duplication, ignoring
// underscore-prefixed keys of object elements.
func dedupeKey(v record.Value) (string, error) {
	if obj, ok := v.(record.Object); ok {
		public := make(record.Object, len(obj))
		for k, elem := range obj {
			if !strings.HasPrefix(k, "_") {
				public[k] = elem
			}
		}
		v = public
	}
	data, err := record.MarshalValue(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isNull(v record.Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(record.Null)
	return ok
}

func cloneOf(v record.Value) record.Value {
	switch val := v.(type) {
	case record.Object:
		return val.Clone()
	case record.Array:
		return val.Clone()
	default:
		return v
	}
}
