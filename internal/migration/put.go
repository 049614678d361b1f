package migration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/cidermigrate/internal/promise"
	"github.com/roach88/cidermigrate/internal/record"
)

// Each Put method stamps a freshly minted uri onto rec, stores it under its
// "id" and delivers the category's identity promise for that id. It returns
// the new URI and true on success. When the id is already stored in the
// category, or its identity promise was already delivered, the write is
// refused: a warning is logged and ok is false. Errors are storage failures.
//
// The store takes ownership of rec.

func (s *Store) PutLocation(ctx context.Context, rec record.Object) (string, bool, error) {
	return s.putIdentified(ctx, Location, rec)
}

func (s *Store) PutResource(ctx context.Context, rec record.Object) (string, bool, error) {
	return s.putIdentified(ctx, Resource, rec)
}

// PutAccession also delivers accession_uri_by_acc_no for the record's
// "_acc_no" field when present.
func (s *Store) PutAccession(ctx context.Context, rec record.Object) (string, bool, error) {
	uri, ok, err := s.putIdentified(ctx, Accession, rec)
	if err != nil || !ok {
		return uri, ok, err
	}
	if accNo := rec.Str("_acc_no"); accNo != "" {
		if _, err := s.DeliverPromise(ctx, promise.AccessionURIByAccNo, accNo, uri); err != nil {
			return "", false, err
		}
	}
	return uri, true, nil
}

func (s *Store) PutArchivalObject(ctx context.Context, rec record.Object) (string, bool, error) {
	return s.putIdentified(ctx, ArchivalObject, rec)
}

// PutEvent assigns the event a random id; events have no identity promise.
func (s *Store) PutEvent(ctx context.Context, rec record.Object) (string, bool, error) {
	token := s.ids.Generate()
	rec["id"] = record.String(token)
	uri := s.mintURI(s.infos[Event], token)
	rec["uri"] = record.String(uri)

	ok, err := s.put(Event, rec)
	if err != nil || !ok {
		return "", ok, err
	}
	return uri, true, nil
}

func (s *Store) PutAgentPerson(ctx context.Context, role string, rec record.Object) (string, bool, error) {
	return s.putAgent(ctx, agentPerson, role, rec)
}

func (s *Store) PutAgentCorporateEntity(ctx context.Context, role string, rec record.Object) (string, bool, error) {
	return s.putAgent(ctx, agentCorporateEntity, role, rec)
}

func (s *Store) PutAgentFamily(ctx context.Context, role string, rec record.Object) (string, bool, error) {
	return s.putAgent(ctx, agentFamily, role, rec)
}

func (s *Store) putIdentified(ctx context.Context, cat Category, rec record.Object) (string, bool, error) {
	ks, err := s.store(cat)
	if err != nil {
		return "", false, err
	}
	id := rec.Str("id")
	if id == "" {
		return "", false, fmt.Errorf("put %s: record has no id", cat)
	}
	if ks.HasKey(id) {
		s.collision(cat, id)
		return "", false, nil
	}

	info := s.infos[cat]
	uri := s.mintURI(info, s.ids.Generate())
	rec["uri"] = record.String(uri)

	delivered, err := s.DeliverPromise(ctx, info.identity, id, uri)
	if err != nil {
		return "", false, fmt.Errorf("put %s %s: %w", cat, id, err)
	}
	if !delivered {
		slog.Warn("identity promise already delivered, record refused",
			"category", cat, "id", id, "kind", info.identity)
		return "", false, nil
	}

	ok, err := s.put(cat, rec)
	if err != nil || !ok {
		return "", ok, err
	}
	return uri, true, nil
}

// putAgent stores an agent under its role's category. Agents registered as
// known duplicates are merged into their group record instead.
func (s *Store) putAgent(ctx context.Context, kind agentKind, role string, rec record.Object) (string, bool, error) {
	cat := kind.category(role)
	ks, err := s.store(cat)
	if err != nil {
		return "", false, err
	}
	originalID := rec.Str("id")
	if originalID == "" {
		return "", false, fmt.Errorf("put %s: record has no id", cat)
	}

	merged, uri, err := s.groups.maybeGroup(role, rec)
	if err != nil {
		return "", false, err
	}
	if merged {
		if _, err := s.DeliverPromise(ctx, promise.RoleURI(role), originalID, uri); err != nil {
			return "", false, err
		}
		return uri, true, nil
	}

	// maybeGroup may have renamed the record to its group id.
	if id := rec.Str("id"); ks.HasKey(id) {
		s.collision(cat, id)
		return "", false, nil
	}

	uri = s.mintURI(s.infos[cat], s.ids.Generate())
	rec["uri"] = record.String(uri)
	if kind.modelType == agentFamily.modelType {
		rec["_agent_role"] = record.Null{}
	} else {
		rec["_agent_role"] = record.String(role)
	}

	ok, err := s.put(cat, rec)
	if err != nil || !ok {
		return "", ok, err
	}
	s.groups.recordAgent(cat, rec)

	if _, err := s.DeliverPromise(ctx, promise.RoleURI(role), originalID, uri); err != nil {
		return "", false, err
	}
	return uri, true, nil
}

// put appends the provenance marker and writes rec under its id, refusing
// ids already present in cat.
func (s *Store) put(cat Category, rec record.Object) (bool, error) {
	ks, err := s.store(cat)
	if err != nil {
		return false, err
	}
	id := rec.Str("id")
	stampExternalID(rec, id)

	if ks.HasKey(id) {
		s.collision(cat, id)
		return false, nil
	}
	if err := ks.Put(id, rec); err != nil {
		return false, fmt.Errorf("put %s %s: %w", cat, id, err)
	}
	s.metrics.RecordStored(string(cat))
	return true, nil
}

// stampExternalID appends the provenance marker citing the legacy id.
func stampExternalID(rec record.Object, id string) {
	rec.Append("external_ids", record.Object{
		"jsonmodel_type": record.String("external_id"),
		"external_id":    record.String(id),
		"source":         record.String(ExternalIDSource),
	})
}

func (s *Store) collision(cat Category, id string) {
	slog.Warn("id collision, record refused", "category", cat, "id", id)
	s.metrics.Collision(string(cat))
}
