package migrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cidermigrate/internal/cider"
	"github.com/roach88/cidermigrate/internal/config"
	"github.com/roach88/cidermigrate/internal/idgen"
	"github.com/roach88/cidermigrate/internal/metrics"
	"github.com/roach88/cidermigrate/internal/validation"
)

type fakeSource struct {
	collections []cider.Collection
	objects     []cider.ArchivalObject
	err         error
}

func (f *fakeSource) Collections(context.Context) ([]cider.Collection, error) {
	return f.collections, f.err
}

func (f *fakeSource) ArchivalObjects(context.Context) ([]cider.ArchivalObject, error) {
	return f.objects, nil
}

func ptr(s string) *string { return &s }

func sampleSource() *fakeSource {
	return &fakeSource{
		collections: []cider.Collection{
			{ID: 1, Number: "MS001", Title: "Papers", ProcessingStatus: 4},
		},
		objects: []cider.ArchivalObject{
			{ID: 3, Number: "MS001.1", Title: "Series", ParentNumber: ptr("MS001"), ParentIsCollection: true, IsSeries: true, DateFrom: ptr("1901")},
			{ID: 4, Number: "MS001.1.1", Title: "Item", ParentNumber: ptr("MS001.1"), FileFolders: 1},
		},
	}
}

func createTestConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.WorkDir = filepath.Join(t.TempDir(), "work")
	cfg.RepoID = "2"
	cfg.Workers = 2
	cfg.ChunkSize = 1
	return cfg
}

func TestRun_Golden(t *testing.T) {
	m := metrics.New()
	mg := New(createTestConfig(t), sampleSource(),
		WithIDGenerator(idgen.NewSequence("t")),
		WithMetrics(m))

	var out bytes.Buffer
	sum, err := mg.Run(context.Background(), &out)
	require.NoError(t, err)
	assert.Equal(t, Summary{Resources: 1, ArchivalObjects: 2, Emitted: 3}, sum)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsEmitted))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "run", out.Bytes())
}

func TestRun_OutputPassesValidation(t *testing.T) {
	var out bytes.Buffer
	_, err := New(createTestConfig(t), sampleSource()).Run(context.Background(), &out)
	require.NoError(t, err)

	v, err := validation.New(validation.Strict)
	require.NoError(t, err)

	in := filepath.Join(t.TempDir(), "exported.ndjson")
	require.NoError(t, os.WriteFile(in, out.Bytes(), 0o644))
	dst := filepath.Join(t.TempDir(), "validated.json")

	counts, err := ValidateFile(in, dst, v, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Written)
	assert.Zero(t, counts.Rejected)
}

func TestRun_MovesPreviousStoreAside(t *testing.T) {
	cfg := createTestConfig(t)
	previous := filepath.Join(cfg.WorkDir, storeDirName)
	require.NoError(t, os.MkdirAll(previous, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(previous, "marker"), []byte("old"), 0o644))

	var out bytes.Buffer
	_, err := New(cfg, sampleSource()).Run(context.Background(), &out)
	require.NoError(t, err)

	entries, err := os.ReadDir(cfg.WorkDir)
	require.NoError(t, err)

	var aside []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), storeDirName+"-") {
			aside = append(aside, e.Name())
		}
	}
	require.Len(t, aside, 1)
	assert.FileExists(t, filepath.Join(cfg.WorkDir, aside[0], "marker"))
	assert.NoFileExists(t, filepath.Join(previous, "marker"))
}

func TestRun_SourceError(t *testing.T) {
	src := sampleSource()
	src.err = errors.New("connection reset")

	_, err := New(createTestConfig(t), src).Run(context.Background(), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extracting resource records")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRun_UnrootedTreeIsFatal(t *testing.T) {
	cfg := createTestConfig(t)
	src := &fakeSource{objects: []cider.ArchivalObject{
		{ID: 1, Number: "X.1", Title: "Orphan", ParentNumber: ptr("X"), ParentIsCollection: true},
	}}

	var out bytes.Buffer
	_, err := New(cfg, src).Run(context.Background(), &out)
	require.Error(t, err, "a tree without its resource is fatal")
}

func TestExportFile(t *testing.T) {
	dir := t.TempDir()
	path, sum, err := New(createTestConfig(t), sampleSource()).ExportFile(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Emitted)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "exported_"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, bytes.Count(data, []byte("\n")))
}

func TestValidateFile_CountsRejections(t *testing.T) {
	in := filepath.Join(t.TempDir(), "exported.ndjson")
	require.NoError(t, os.WriteFile(in, []byte(
		`{"id":"L1","jsonmodel_type":"location","uri":"/locations/import_l1","building":"Main"}`+"\n"+
			`{"id":"L2","jsonmodel_type":"location","uri":"/locations/import_l2"}`+"\n"), 0o644))

	v, err := validation.New(validation.Strict)
	require.NoError(t, err)
	m := metrics.New()

	out := ValidatedPath(t.TempDir())
	counts, err := ValidateFile(in, out, v, m)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Rejected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsRejected))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `[{"building":"Main"`))
}
