package migration

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cidermigrate/internal/idgen"
	"github.com/roach88/cidermigrate/internal/keyedstore"
	"github.com/roach88/cidermigrate/internal/metrics"
	"github.com/roach88/cidermigrate/internal/promise"
	"github.com/roach88/cidermigrate/internal/record"
)

// createTestStore opens a migration store with deterministic URI tokens.
func createTestStore(t *testing.T, ids idgen.Generator, roles ...string) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "work"), Options{
		BufferSize: 2,
		CacheSize:  4,
		RepoID:     "2",
		Roles:      roles,
		IDs:        ids,
	})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

// collect emits every record in cat.
func collect(t *testing.T, s *Store, cat Category, opts EmitOptions) []record.Object {
	t.Helper()
	var out []record.Object
	err := s.Each(context.Background(), cat, opts, func(rec record.Object) error {
		out = append(out, rec)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestOpen_CategoriesInEmissionOrder(t *testing.T) {
	s := createTestStore(t, idgen.NewSequence("t"), "creator")

	assert.Equal(t, []Category{
		Location, Resource, Accession, ArchivalObject, Event,
		"agent_person_record_context", "agent_person_creator",
		"agent_corporate_entity_record_context", "agent_corporate_entity_creator",
		"agent_family_record_context", "agent_family_creator",
	}, s.Categories())
}

func TestOpen_RejectsBadRole(t *testing.T) {
	_, err := Open(t.TempDir(), Options{Roles: []string{"a/b"}})
	assert.Error(t, err)
}

func TestPutResource_MintsURIAndDeliversIdentity(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewFixed("abc123"))

	uri, ok, err := s.PutResource(ctx, record.Object{"id": record.String("MS001"), "title": record.String("Papers")})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/repositories/2/resources/import_abc123", uri)

	value, found, err := s.FetchPromise(ctx, promise.CollectionURI, "MS001")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uri, value)

	got, err := s.URIFor(Resource, "MS001")
	require.NoError(t, err)
	assert.Equal(t, uri, got)

	rec, err := s.Get(Resource, "MS001")
	require.NoError(t, err)
	assert.Equal(t, record.Array{record.Object{
		"jsonmodel_type": record.String("external_id"),
		"external_id":    record.String("MS001"),
		"source":         record.String(ExternalIDSource),
	}}, rec["external_ids"])
}

func TestPut_CollisionRefusesSecondRecord(t *testing.T) {
	ctx := context.Background()
	logs := captureLogs(t)
	m := metrics.New()

	s, err := Open(filepath.Join(t.TempDir(), "work"), Options{IDs: idgen.NewSequence("t"), Metrics: m})
	require.NoError(t, err)
	defer s.Close()

	first, ok, err := s.PutResource(ctx, record.Object{"id": record.String("R1"), "title": record.String("first")})
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.PutResource(ctx, record.Object{"id": record.String("R1"), "title": record.String("second")})
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.Get(Resource, "R1")
	require.NoError(t, err)
	assert.Equal(t, "first", rec.Str("title"))
	assert.Equal(t, first, rec.Str("uri"))

	value, _, err := s.FetchPromise(ctx, promise.CollectionURI, "R1")
	require.NoError(t, err)
	assert.Equal(t, first, value)

	assert.Contains(t, logs.String(), "id collision")
	assert.Contains(t, logs.String(), "id=R1")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collisions.WithLabelValues("resource")))
}

func TestPut_SameIDInDifferentCategories(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewSequence("t"))

	_, ok, err := s.PutResource(ctx, record.Object{"id": record.String("X")})
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.PutArchivalObject(ctx, record.Object{"id": record.String("X")})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPut_RefusedWhenIdentityAlreadyDelivered(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewSequence("t"))

	ok, err := s.DeliverPromise(ctx, promise.LocationURI, "L1", "/locations/elsewhere")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.PutLocation(ctx, record.Object{"id": record.String("L1")})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len(Location))
}

func TestPut_MissingID(t *testing.T) {
	s := createTestStore(t, idgen.NewSequence("t"))
	_, _, err := s.PutArchivalObject(context.Background(), record.Object{"title": record.String("no id")})
	assert.Error(t, err)
}

func TestPutAccession_DeliversAccessionNumber(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewFixed("acc1"))

	uri, ok, err := s.PutAccession(ctx, record.Object{
		"id":      record.String("A-7"),
		"_acc_no": record.String("2001.004"),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/repositories/2/accessions/import_acc1", uri)

	value, found, err := s.FetchPromise(ctx, promise.AccessionURIByAccNo, "2001.004")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uri, value)
}

func TestPutEvent_AssignsRandomID(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewFixed("ev1", "ev2"))

	uri, ok, err := s.PutEvent(ctx, record.Object{"event_type": record.String("custody_transfer")})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/repositories/2/events/import_ev1", uri)

	_, ok, err = s.PutEvent(ctx, record.Object{"event_type": record.String("custody_transfer")})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, s.Len(Event))

	rec, err := s.Get(Event, "ev1")
	require.NoError(t, err)
	assert.Equal(t, "ev1", rec.Str("id"))
}

func TestPutAgent_RoleCategories(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewFixed("p1", "c1", "f1"), "creator")

	uri, ok, err := s.PutAgentPerson(ctx, "creator", record.Object{"id": record.String("P1")})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/agents/people/import_p1", uri)

	value, found, err := s.FetchPromise(ctx, promise.CreatorURI, "P1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uri, value)

	uri, _, err = s.PutAgentCorporateEntity(ctx, DefaultRole, record.Object{"id": record.String("C1")})
	require.NoError(t, err)
	assert.Equal(t, "/agents/corporate_entities/import_c1", uri)

	uri, _, err = s.PutAgentFamily(ctx, DefaultRole, record.Object{"id": record.String("F1")})
	require.NoError(t, err)
	assert.Equal(t, "/agents/families/import_f1", uri)

	fam, err := s.Get(AgentFamily(DefaultRole), "F1")
	require.NoError(t, err)
	assert.Equal(t, record.Null{}, fam["_agent_role"])

	person := collect(t, s, AgentPerson("creator"), EmitOptions{})
	require.Len(t, person, 1)
	assert.Equal(t, "agent_person", person[0].Str("jsonmodel_type"))
	assert.NotContains(t, person[0], "_agent_role")
}

func TestPutAgent_UnknownRole(t *testing.T) {
	s := createTestStore(t, idgen.NewSequence("t"))
	_, _, err := s.PutAgentPerson(context.Background(), "contact", record.Object{"id": record.String("P1")})
	assert.True(t, errors.Is(err, ErrUnknownCategory))
}

func TestFindStoreContainingRecord(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewSequence("t"))

	_, _, err := s.PutArchivalObject(ctx, record.Object{"id": record.String("AO1")})
	require.NoError(t, err)

	cat, ok := s.FindStoreContainingRecord("AO1")
	assert.True(t, ok)
	assert.Equal(t, ArchivalObject, cat)

	_, ok = s.FindStoreContainingRecord("nope")
	assert.False(t, ok)
}

func TestGet_UnknownCategoryAndRecord(t *testing.T) {
	s := createTestStore(t, idgen.NewSequence("t"))

	_, err := s.Get("digital_object", "x")
	assert.ErrorIs(t, err, ErrUnknownCategory)

	_, err = s.Get(Resource, "x")
	assert.ErrorIs(t, err, keyedstore.ErrRecordNotFound)
}

func TestEach_UnresolvedPromiseBecomesMarker(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewSequence("t"))

	_, ok, err := s.PutArchivalObject(ctx, record.Object{
		"id":       record.String("A1"),
		"resource": record.Object{"ref": record.Promise(promise.CollectionURI, "X")},
	})
	require.NoError(t, err)
	require.True(t, ok)

	recs := collect(t, s, ArchivalObject, EmitOptions{DiscardFailedPromises: false})
	require.Len(t, recs, 1)
	assert.Equal(t,
		record.Object{"FAILED_PROMISE::collection_uri": record.String("X")},
		recs[0]["resource"])
}

func TestEach_ResolvesNestedPlaceholders(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewSequence("t"))

	ok, err := s.DeliverPromise(ctx, promise.ArchivalObjectURI, "P", "/repositories/2/archival_objects/import_p")
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = s.PutArchivalObject(ctx, record.Object{
		"id":     record.String("C"),
		"parent": record.Object{"ref": record.Promise(promise.ArchivalObjectURI, "P")},
		"linked": record.Array{record.Promise(promise.ArchivalObjectURI, "P")},
	})
	require.NoError(t, err)

	recs := collect(t, s, ArchivalObject, EmitOptions{})
	require.Len(t, recs, 1)
	assert.Equal(t, record.Object{"ref": record.String("/repositories/2/archival_objects/import_p")}, recs[0]["parent"])
	assert.Equal(t, record.Array{record.String("/repositories/2/archival_objects/import_p")}, recs[0]["linked"])

	_, err = record.Encode(recs[0])
	assert.NoError(t, err)
}

func TestEach_DiscardFailedPromisesPrunesArrayElements(t *testing.T) {
	ctx := context.Background()
	logs := captureLogs(t)
	s := createTestStore(t, idgen.NewSequence("t"))

	_, _, err := s.PutLocation(ctx, record.Object{"id": record.String("L1")})
	require.NoError(t, err)
	_, _, err = s.PutArchivalObject(ctx, record.Object{
		"id": record.String("A1"),
		"subjects": record.Array{
			record.Object{"ref": record.Promise(promise.LocationURI, "L1")},
			record.Object{"ref": record.Promise(promise.LocationURI, "missing")},
		},
		"resource": record.Object{"ref": record.Promise(promise.CollectionURI, "missing")},
	})
	require.NoError(t, err)

	kept := collect(t, s, ArchivalObject, EmitOptions{})
	assert.Len(t, kept[0]["subjects"], 2)

	pruned := collect(t, s, ArchivalObject, EmitOptions{DiscardFailedPromises: true})
	require.Len(t, pruned[0]["subjects"], 1)
	assert.Equal(t, record.String("/locations/import_t1"), pruned[0]["subjects"].(record.Array)[0].(record.Object)["ref"])

	// Only array elements are discarded.
	assert.Equal(t, record.Object{"FAILED_PROMISE::collection_uri": record.String("missing")}, pruned[0]["resource"])
	assert.Contains(t, logs.String(), "pruning object")
}

func TestEach_PrunesUnderscoreKeysAndKeepsStoredRecord(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewSequence("t"))

	_, _, err := s.PutAccession(ctx, record.Object{
		"id":      record.String("A1"),
		"_acc_no": record.String("1999.1"),
		"nested":  record.Object{"_hint": record.String("x"), "keep": record.Bool(true)},
	})
	require.NoError(t, err)

	recs := collect(t, s, Accession, EmitOptions{})
	require.Len(t, recs, 1)
	assert.NotContains(t, recs[0], "_acc_no")
	assert.Equal(t, record.Object{"keep": record.Bool(true)}, recs[0]["nested"])
	assert.Equal(t, "accession", recs[0].Str("jsonmodel_type"))

	stored, err := s.Get(Accession, "A1")
	require.NoError(t, err)
	assert.Equal(t, "1999.1", stored.Str("_acc_no"))
	assert.NotContains(t, stored, "jsonmodel_type")
}

func TestEach_RecordTypeWins(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewSequence("t"))

	_, _, err := s.PutResource(ctx, record.Object{"id": record.String("R1"), "jsonmodel_type": record.String("custom")})
	require.NoError(t, err)

	recs := collect(t, s, Resource, EmitOptions{})
	assert.Equal(t, "custom", recs[0].Str("jsonmodel_type"))
}

func TestAllRecords_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewSequence("t"))

	_, _, err := s.PutResource(ctx, record.Object{"id": record.String("R1")})
	require.NoError(t, err)
	_, _, err = s.PutArchivalObject(ctx, record.Object{
		"id":       record.String("A1"),
		"resource": record.Object{"ref": record.Promise(promise.CollectionURI, "R1")},
		"parent":   record.Object{"ref": record.Promise(promise.ArchivalObjectURI, "gone")},
	})
	require.NoError(t, err)

	emit := func() []byte {
		var buf bytes.Buffer
		err := s.AllRecords(ctx, EmitOptions{DiscardFailedPromises: true}, func(_ Category, rec record.Object) error {
			data, err := record.Encode(rec)
			if err != nil {
				return err
			}
			buf.Write(data)
			buf.WriteByte('\n')
			return nil
		})
		require.NoError(t, err)
		return buf.Bytes()
	}

	assert.Equal(t, emit(), emit())
}

func TestAllRecords_StopsOnError(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewSequence("t"))
	_, _, err := s.PutLocation(ctx, record.Object{"id": record.String("L1")})
	require.NoError(t, err)
	_, _, err = s.PutResource(ctx, record.Object{"id": record.String("R1")})
	require.NoError(t, err)

	stop := errors.New("stop")
	var seen []Category
	err = s.AllRecords(ctx, EmitOptions{}, func(cat Category, _ record.Object) error {
		seen = append(seen, cat)
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []Category{Location}, seen)
}

func TestReopen_RecordsAndPromisesSurvive(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "work")

	s1, err := Open(dir, Options{IDs: idgen.NewFixed("r1")})
	require.NoError(t, err)
	uri, _, err := s1.PutResource(ctx, record.Object{"id": record.String("R1")})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dir, Options{IDs: idgen.NewSequence("t")})
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.ResourceURI("R1")
	require.NoError(t, err)
	assert.Equal(t, uri, got)

	has, err := s2.HasPromise(ctx, promise.CollectionURI, "R1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestAllRecords_Golden(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, idgen.NewFixed("r1", "l1", "a1"))

	_, _, err := s.PutResource(ctx, record.Object{
		"id":    record.String("R1"),
		"title": record.String("Papers"),
	})
	require.NoError(t, err)
	_, _, err = s.PutLocation(ctx, record.Object{
		"id":       record.String("L1"),
		"building": record.String("Main"),
	})
	require.NoError(t, err)
	_, _, err = s.PutArchivalObject(ctx, record.Object{
		"id":        record.String("A1"),
		"title":     record.String("Series 1"),
		"_internal": record.String("dropped"),
		"resource":  record.Object{"ref": record.Promise(promise.CollectionURI, "R1")},
		"container_locations": record.Array{
			record.Object{"ref": record.Promise(promise.LocationURI, "L1"), "status": record.String("current")},
			record.Object{"ref": record.Promise(promise.LocationURI, "L404"), "status": record.String("current")},
		},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	err = s.AllRecords(ctx, EmitOptions{DiscardFailedPromises: true}, func(_ Category, rec record.Object) error {
		data, err := record.Encode(rec)
		if err != nil {
			return err
		}
		buf.Write(data)
		buf.WriteByte('\n')
		return nil
	})
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "all_records", buf.Bytes())
}
