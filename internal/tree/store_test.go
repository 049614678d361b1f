package tree

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cidermigrate/internal/promise"
)

// fakeDeliverer records deliveries in memory with at-most-once semantics.
type fakeDeliverer struct {
	promises     map[string]string
	deliveries   []string
	uriLookups   int
	missingRoots map[string]bool
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{promises: make(map[string]string), missingRoots: make(map[string]bool)}
}

func key(kind promise.Kind, id string) string { return string(kind) + "/" + id }

func (f *fakeDeliverer) ResourceURI(id string) (string, error) {
	f.uriLookups++
	if f.missingRoots[id] {
		return "", fmt.Errorf("no resource %s", id)
	}
	return "/repositories/2/resources/" + id, nil
}

func (f *fakeDeliverer) HasPromise(_ context.Context, kind promise.Kind, id string) (bool, error) {
	_, ok := f.promises[key(kind, id)]
	return ok, nil
}

func (f *fakeDeliverer) DeliverPromise(_ context.Context, kind promise.Kind, id, value string) (bool, error) {
	if _, ok := f.promises[key(kind, id)]; ok {
		return false, nil
	}
	f.promises[key(kind, id)] = value
	f.deliveries = append(f.deliveries, id)
	return true, nil
}

func (f *fakeDeliverer) collection(id string) string {
	return f.promises[key(promise.CollectionURI, id)]
}

func TestDeliverAllPromises_ChainToCollection(t *testing.T) {
	d := newFakeDeliverer()
	s := New(d, nil)

	require.NoError(t, s.RecordParent("A", "B"))
	require.NoError(t, s.RecordCollection("B", "C"))

	require.NoError(t, s.DeliverAllPromises(context.Background()))

	want := "/repositories/2/resources/C"
	assert.Equal(t, want, d.collection("A"))
	assert.Equal(t, want, d.collection("B"))
	assert.Equal(t, want, d.collection("C"))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, d.deliveries)

	assert.Equal(t, map[string]string{"A": "C", "B": "C", "C": "C"}, s.memo)
}

func TestDeliverAllPromises_RootAlreadyDelivered(t *testing.T) {
	d := newFakeDeliverer()
	d.promises[key(promise.CollectionURI, "C")] = "/repositories/2/resources/C"
	s := New(d, nil)

	require.NoError(t, s.RecordCollection("A", "C"))
	require.NoError(t, s.DeliverAllPromises(context.Background()))

	assert.Equal(t, []string{"A"}, d.deliveries)
	c, ok := s.CollectionOf("C")
	assert.True(t, ok)
	assert.Equal(t, "C", c)
}

func TestDeliverAllPromises_MemoShortCircuits(t *testing.T) {
	d := newFakeDeliverer()
	s := New(d, nil)

	require.NoError(t, s.RecordParent("A", "B"))
	require.NoError(t, s.RecordCollection("B", "C"))
	require.NoError(t, s.RecordParent("D", "B"))
	require.NoError(t, s.RecordParent("E", "D"))

	require.NoError(t, s.DeliverAllPromises(context.Background()))

	// Every node delivered exactly once, and the root URI looked up once.
	assert.ElementsMatch(t, []string{"A", "B", "C", "D", "E"}, d.deliveries)
	assert.Equal(t, 1, d.uriLookups)

	for _, n := range []string{"A", "B", "D", "E"} {
		assert.Equal(t, d.collection("A"), d.collection(n), n)
	}
}

func TestDeliverAllPromises_OutOfOrderEdges(t *testing.T) {
	d := newFakeDeliverer()
	s := New(d, nil)

	// Deep nodes recorded before their ancestors are known.
	require.NoError(t, s.RecordParent("item", "file"))
	require.NoError(t, s.RecordParent("file", "series"))
	require.NoError(t, s.RecordCollection("series", "MS1"))
	require.NoError(t, s.RecordCollection("other", "MS2"))

	require.NoError(t, s.DeliverAllPromises(context.Background()))

	assert.Equal(t, "/repositories/2/resources/MS1", d.collection("item"))
	assert.Equal(t, "/repositories/2/resources/MS2", d.collection("other"))

	c, ok := s.CollectionOf("file")
	assert.True(t, ok)
	assert.Equal(t, "MS1", c)
}

func TestDeliverAllPromises_NoCollectionRoot(t *testing.T) {
	s := New(newFakeDeliverer(), nil)
	require.NoError(t, s.RecordParent("X", "Y"))

	err := s.DeliverAllPromises(context.Background())
	require.Error(t, err)
	assert.True(t, IsNoCollectionRoot(err))
	assert.True(t, errors.Is(err, ErrNoCollectionRoot))

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Y", te.Node)
	assert.Equal(t, []string{"X", "Y"}, te.Chain)
}

func TestRecordParent_DuplicateEdge(t *testing.T) {
	s := New(newFakeDeliverer(), nil)
	require.NoError(t, s.RecordParent("A", "B"))

	err := s.RecordParent("A", "C")
	require.Error(t, err)
	assert.True(t, IsDuplicateEdge(err))
	assert.ErrorIs(t, err, ErrDuplicateEdge)

	// Same parent again is still a second edge.
	err = s.RecordCollection("A", "B")
	assert.ErrorIs(t, err, ErrDuplicateEdge)
	assert.False(t, s.IsCollection("B"))
}

func TestRecordParent_SelfEdge(t *testing.T) {
	s := New(newFakeDeliverer(), nil)
	err := s.RecordParent("A", "A")
	assert.True(t, IsCycle(err))
	assert.Equal(t, 0, s.Len())
}

func TestDeliverAllPromises_CycleBelowLeaf(t *testing.T) {
	s := New(newFakeDeliverer(), nil)
	require.NoError(t, s.RecordParent("L", "A"))
	require.NoError(t, s.RecordParent("A", "B"))
	require.NoError(t, s.RecordParent("B", "A"))

	err := s.DeliverAllPromises(context.Background())
	assert.ErrorIs(t, err, ErrCycle)
}

func TestDeliverAllPromises_LeaflessCycle(t *testing.T) {
	s := New(newFakeDeliverer(), nil)
	require.NoError(t, s.RecordParent("A", "B"))
	require.NoError(t, s.RecordParent("B", "A"))

	err := s.DeliverAllPromises(context.Background())
	require.Error(t, err)
	assert.True(t, IsCycle(err))

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, []string{"A", "B", "A"}, te.Chain)
}

func TestDeliverAllPromises_MissingResource(t *testing.T) {
	d := newFakeDeliverer()
	d.missingRoots["C"] = true
	s := New(d, nil)
	require.NoError(t, s.RecordCollection("A", "C"))

	err := s.DeliverAllPromises(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collection C")
}

func TestDeliverAllPromises_Cancelled(t *testing.T) {
	s := New(newFakeDeliverer(), nil)
	require.NoError(t, s.RecordCollection("A", "C"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.DeliverAllPromises(ctx), context.Canceled)
}

func TestDeliverAllPromises_Empty(t *testing.T) {
	s := New(newFakeDeliverer(), nil)
	assert.NoError(t, s.DeliverAllPromises(context.Background()))
}

func TestByteSizeAndLen(t *testing.T) {
	s := New(newFakeDeliverer(), nil)
	require.NoError(t, s.RecordParent("ab", "cd"))
	require.NoError(t, s.RecordCollection("cd", "efg"))

	assert.Equal(t, 2, s.Len())
	// "efg" + "ab" + "cd" + "cd" + "efg"
	assert.Equal(t, 3+2+2+2+3, s.ByteSize())
}

func TestErrorMessage(t *testing.T) {
	err := newNoCollectionRootError("Y", []string{"X", "Y"})
	assert.Equal(t, "NO_COLLECTION_ROOT: found a tree of records with no top-level resource (node=Y, chain=X -> Y)", err.Error())

	err = newDuplicateEdgeError("A", "B", "C")
	assert.Equal(t, `DUPLICATE_EDGE: already recorded parent "B", refusing "C" (node=A)`, err.Error())
}
