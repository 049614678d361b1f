// Package migration is the facade converters use to persist records.
//
// A Store owns one keyed store per record category and the promise store.
// It assigns URIs to new records, rejects logical-id collisions, delivers an
// identity promise for every stored record, and at emission time resolves
// placeholders and prunes internal fields.
//
// A Store is not safe for concurrent use. Converters may run in parallel, but
// their puts must be replayed on a single goroutine.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/cidermigrate/internal/idgen"
	"github.com/roach88/cidermigrate/internal/keyedstore"
	"github.com/roach88/cidermigrate/internal/metrics"
	"github.com/roach88/cidermigrate/internal/promise"
	"github.com/roach88/cidermigrate/internal/record"
)

// DefaultRepoID is the repository minted URIs point at when none is
// configured. The batch importer rewrites import_ URIs, so any id works.
const DefaultRepoID = "3636363636"

// PromiseDBName is the promise store's file inside the work dir.
const PromiseDBName = "promises.db"

// ExternalIDSource is the provenance stamped onto every stored record.
const ExternalIDSource = "CIDER DB"

// ErrUnknownCategory is returned for a category the store was not opened with.
var ErrUnknownCategory = errors.New("unknown record category")

// Options configures a Store.
type Options struct {
	BufferSize int
	CacheSize  int

	// RepoID is the repository id used in repository-scoped URIs.
	RepoID string

	// Roles lists the agent roles to create categories for.
	// DefaultRole is always included.
	Roles []string

	// IDs mints URI tokens and event ids. Defaults to idgen.Random.
	IDs idgen.Generator

	Metrics *metrics.Metrics
}

// Store persists migration records by category.
type Store struct {
	dir     string
	repoID  string
	ids     idgen.Generator
	metrics *metrics.Metrics

	order    []Category
	infos    map[Category]categoryInfo
	stores   map[Category]*keyedstore.Store
	promises *promise.Store
	groups   *AgentGroups
}

// Open creates dir if needed and opens every category store beneath it,
// plus the promise store.
func Open(dir string, opts Options) (*Store, error) {
	if opts.RepoID == "" {
		opts.RepoID = DefaultRepoID
	}
	if opts.IDs == nil {
		opts.IDs = idgen.Random{}
	}
	roles := append([]string{DefaultRole}, opts.Roles...)

	order, infos, err := buildCategories(roles)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	s := &Store{
		dir:     dir,
		repoID:  opts.RepoID,
		ids:     opts.IDs,
		metrics: opts.Metrics,
		order:   order,
		infos:   infos,
		stores:  make(map[Category]*keyedstore.Store, len(order)),
	}

	for _, cat := range order {
		ks, err := keyedstore.Open(filepath.Join(dir, infos[cat].dir), keyedstore.Options{
			BufferSize: opts.BufferSize,
			CacheSize:  opts.CacheSize,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cat, err)
		}
		s.stores[cat] = ks
	}

	s.promises, err = promise.Open(filepath.Join(dir, PromiseDBName))
	if err != nil {
		return nil, err
	}
	s.groups = newAgentGroups(s)

	slog.Debug("migration store opened", "dir", dir, "categories", len(order))
	return s, nil
}

// Close commits every category and closes the promise store.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	commitErr := s.Commit()
	return errors.Join(commitErr, s.promises.Close())
}

// Commit flushes every category's dirty records to disk.
func (s *Store) Commit() error {
	for _, cat := range s.order {
		ks := s.stores[cat]
		if err := ks.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", cat, err)
		}
		st := ks.Stats()
		s.metrics.StoreStats(string(cat), st.Commits, st.Misses)
	}
	return nil
}

// Categories returns the store's categories in emission order.
func (s *Store) Categories() []Category {
	return append([]Category(nil), s.order...)
}

// AgentGroups returns the registry of known duplicate agents.
func (s *Store) AgentGroups() *AgentGroups {
	return s.groups
}

// Len returns the number of records stored in cat.
func (s *Store) Len(cat Category) int {
	ks, ok := s.stores[cat]
	if !ok {
		return 0
	}
	return ks.Len()
}

// Get returns the stored record for id in cat. The record is returned
// without resolution; callers must not modify it.
func (s *Store) Get(cat Category, id string) (record.Object, error) {
	ks, err := s.store(cat)
	if err != nil {
		return nil, err
	}
	return ks.Get(id)
}

// URIFor returns the URI minted for id in cat.
func (s *Store) URIFor(cat Category, id string) (string, error) {
	rec, err := s.Get(cat, id)
	if err != nil {
		return "", err
	}
	uri := rec.Str("uri")
	if uri == "" {
		return "", fmt.Errorf("%s %s has no uri", cat, id)
	}
	return uri, nil
}

// ResourceURI returns the URI of the resource stored under id.
func (s *Store) ResourceURI(id string) (string, error) {
	return s.URIFor(Resource, id)
}

// FindStoreContainingRecord returns the first category, in emission order,
// holding a record under id.
func (s *Store) FindStoreContainingRecord(id string) (Category, bool) {
	for _, cat := range s.order {
		if s.stores[cat].HasKey(id) {
			return cat, true
		}
	}
	return "", false
}

// HasPromise reports whether (kind, id) has been delivered.
func (s *Store) HasPromise(ctx context.Context, kind promise.Kind, id string) (bool, error) {
	return s.promises.HasPromise(ctx, kind, id)
}

// DeliverPromise records value for (kind, id). Returns false when the
// promise was already delivered; the first value stands.
func (s *Store) DeliverPromise(ctx context.Context, kind promise.Kind, id, value string) (bool, error) {
	ok, err := s.promises.DeliverPromise(ctx, kind, id, value)
	if err != nil {
		return false, err
	}
	s.metrics.PromiseDelivery(string(kind), ok)
	return ok, nil
}

// FetchPromise returns the value delivered for (kind, id).
func (s *Store) FetchPromise(ctx context.Context, kind promise.Kind, id string) (string, bool, error) {
	return s.promises.FetchPromise(ctx, kind, id)
}

func (s *Store) store(cat Category) (*keyedstore.Store, error) {
	ks, ok := s.stores[cat]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, cat)
	}
	return ks, nil
}

// mintURI returns a fresh URI for a record of the given description.
func (s *Store) mintURI(info categoryInfo, token string) string {
	if info.repoScoped {
		return fmt.Sprintf("/repositories/%s/%s/import_%s", s.repoID, info.uriPath, token)
	}
	return fmt.Sprintf("/%s/import_%s", info.uriPath, token)
}
