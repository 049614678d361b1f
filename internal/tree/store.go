// Package tree resolves which collection every node of a hierarchy belongs
// to.
//
// Edges are recorded one at a time, in any order, while converters run.
// DeliverAllPromises then walks upward from every leaf, memoizing each
// node's collection so shared ancestors are walked once, and delivers a
// collection_uri promise per node.
package tree

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/cidermigrate/internal/metrics"
	"github.com/roach88/cidermigrate/internal/promise"
)

// progressEvery is how many walks pass between progress log lines.
const progressEvery = 10000

// Deliverer publishes resolved collections. The migration store implements it.
type Deliverer interface {
	// ResourceURI returns the URI of the resource stored under a collection id.
	ResourceURI(id string) (string, error)
	HasPromise(ctx context.Context, kind promise.Kind, id string) (bool, error)
	DeliverPromise(ctx context.Context, kind promise.Kind, id, value string) (bool, error)
}

// Store holds parent edges until they are resolved.
//
// Store is not safe for concurrent use; edges are recorded on the
// orchestrating goroutine.
type Store struct {
	deliverer Deliverer
	metrics   *metrics.Metrics

	parent      map[string]string
	order       []string // children in the order their edges were recorded
	collections map[string]struct{}

	// memo maps every resolved node to its collection node.
	memo map[string]string
	uris map[string]string // collection node -> URI
}

// New creates an empty tree store. m may be nil.
func New(d Deliverer, m *metrics.Metrics) *Store {
	return &Store{
		deliverer:   d,
		metrics:     m,
		parent:      make(map[string]string),
		collections: make(map[string]struct{}),
		memo:        make(map[string]string),
		uris:        make(map[string]string),
	}
}

// RecordParent records that child sits directly beneath parent.
// A child may be given a parent only once.
func (s *Store) RecordParent(child, parent string) error {
	if existing, ok := s.parent[child]; ok {
		return newDuplicateEdgeError(child, existing, parent)
	}
	if child == parent {
		return newCycleError(child, []string{child, parent})
	}
	s.parent[child] = parent
	s.order = append(s.order, child)
	return nil
}

// RecordCollection records that child sits directly beneath collection, a
// top-level node.
func (s *Store) RecordCollection(child, collection string) error {
	if err := s.RecordParent(child, collection); err != nil {
		return err
	}
	s.collections[collection] = struct{}{}
	return nil
}

// DeliverAllPromises resolves every recorded node to its collection and
// delivers collection_uri for it. Collection roots that already carry a
// collection_uri promise are not delivered again.
//
// Fails if a chain ends at a node that is not a collection, or loops. No
// recovery is attempted: promises delivered before the failure stand, but
// the run must be aborted.
func (s *Store) DeliverAllPromises(ctx context.Context) error {
	leaves := s.leaves()
	slog.Info("resolving tree", "edges", len(s.parent), "leaves", len(leaves))

	queue := leaves
	for done := 0; len(queue) > 0; done++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if done > 0 && done%progressEvery == 0 {
			slog.Info("nodes left to deliver", "remaining", len(queue))
		}

		node := queue[0]
		queue = queue[1:]

		if err := s.walk(ctx, node); err != nil {
			return err
		}
	}

	// Nodes on a loop with no leaf beneath it are never walked.
	for _, child := range s.order {
		if _, ok := s.memo[child]; !ok {
			return newCycleError(child, s.chainFrom(child))
		}
	}
	return nil
}

// walk follows parent edges upward from leaf until it reaches a memoized
// node or a root, then resolves every node it passed.
func (s *Store) walk(ctx context.Context, leaf string) error {
	chain := []string{leaf}
	onChain := map[string]struct{}{leaf: {}}
	node := leaf

	for {
		parent, ok := s.parent[node]
		if !ok {
			if _, isCollection := s.collections[node]; !isCollection {
				return newNoCollectionRootError(node, chain)
			}
			return s.resolveChain(ctx, chain, node)
		}

		if collection, hit := s.memo[parent]; hit {
			return s.resolveChain(ctx, chain, collection)
		}
		if _, loop := onChain[parent]; loop {
			return newCycleError(parent, append(chain, parent))
		}

		chain = append(chain, parent)
		onChain[parent] = struct{}{}
		node = parent
	}
}

// resolveChain delivers collection's URI for every node in chain and
// memoizes the result.
func (s *Store) resolveChain(ctx context.Context, chain []string, collection string) error {
	uri, err := s.collectionURI(collection)
	if err != nil {
		return err
	}

	for _, node := range chain {
		if node == collection {
			has, err := s.deliverer.HasPromise(ctx, promise.CollectionURI, node)
			if err != nil {
				return err
			}
			if has {
				s.memo[node] = collection
				continue
			}
		}
		if _, err := s.deliverer.DeliverPromise(ctx, promise.CollectionURI, node, uri); err != nil {
			return fmt.Errorf("deliver collection for %s: %w", node, err)
		}
		s.memo[node] = collection
	}
	s.metrics.NodesResolved(len(chain))
	return nil
}

func (s *Store) collectionURI(collection string) (string, error) {
	if uri, ok := s.uris[collection]; ok {
		return uri, nil
	}
	uri, err := s.deliverer.ResourceURI(collection)
	if err != nil {
		return "", fmt.Errorf("collection %s: %w", collection, err)
	}
	s.uris[collection] = uri
	return uri, nil
}

// leaves returns the children that are nobody's parent, in recorded order.
func (s *Store) leaves() []string {
	parents := make(map[string]struct{}, len(s.parent))
	for _, p := range s.parent {
		parents[p] = struct{}{}
	}
	var leaves []string
	for _, child := range s.order {
		if _, isParent := parents[child]; !isParent {
			leaves = append(leaves, child)
		}
	}
	return leaves
}

// chainFrom follows parent edges from node until a node repeats or the
// chain ends.
func (s *Store) chainFrom(node string) []string {
	chain := []string{node}
	seen := map[string]struct{}{node: {}}
	for {
		parent, ok := s.parent[node]
		if !ok {
			return chain
		}
		chain = append(chain, parent)
		if _, loop := seen[parent]; loop {
			return chain
		}
		seen[parent] = struct{}{}
		node = parent
	}
}

// CollectionOf returns the collection node id resolved for id.
func (s *Store) CollectionOf(id string) (string, bool) {
	c, ok := s.memo[id]
	return c, ok
}

// Len returns the number of recorded edges.
func (s *Store) Len() int {
	return len(s.parent)
}

// IsCollection reports whether id was recorded as a collection.
func (s *Store) IsCollection(id string) bool {
	_, ok := s.collections[id]
	return ok
}

// ByteSize approximates the memory held by edge and collection ids.
func (s *Store) ByteSize() int {
	total := 0
	for c := range s.collections {
		total += len(c)
	}
	for child, parent := range s.parent {
		total += len(child) + len(parent)
	}
	return total
}
