package keyedstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/cidermigrate/internal/record"
)

// Default sizings.
const (
	DefaultBufferSize = 5
	DefaultCacheSize  = 10
)

// tempPrefix marks in-flight writes; such files are never keys.
const tempPrefix = ".tmp-"

var (
	// ErrRecordNotFound is returned when a key is neither cached nor on disk,
	// or when its file cannot be read back.
	ErrRecordNotFound = errors.New("record not found")

	// ErrInvalidSizing is returned when the cache could not hold every
	// dirty entry until it is committed.
	ErrInvalidSizing = errors.New("cache size must be at least buffer size")

	// ErrInvalidKey is returned for keys that cannot name a file.
	ErrInvalidKey = errors.New("invalid key")
)

// Options configures a Store.
type Options struct {
	// BufferSize is the number of dirty entries tolerated before Put commits.
	BufferSize int
	// CacheSize is the number of records held in memory.
	CacheSize int
}

// Stats counts store activity since Open.
type Stats struct {
	Commits   int // commits that flushed at least one entry
	Flushed   int // entries written to disk
	Loads     int // entries read from disk
	Hits      int // Get calls served from the cache
	Misses    int // Get calls that went to disk
	Evictions int // entries dropped from the cache
}

// Store maps string keys to records, keeping a bounded LRU window in memory
// and one file per key on disk.
//
// Store is not safe for concurrent use. A single goroutine owns each store.
type Store struct {
	dir        string
	bufferSize int
	cacheSize  int

	cache *simplelru.LRU[string, record.Object]
	dirty map[string]struct{}

	// known is every key ever put or found on disk; order keeps first-put order.
	known map[string]struct{}
	order []string

	stats Stats
}

// Open creates dir if needed and returns a store over it. Keys already on
// disk are known immediately, so a store can be reconstructed from its
// directory alone.
func Open(dir string, opts Options) (*Store, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheSize < opts.BufferSize {
		return nil, fmt.Errorf("%w (cache=%d, buffer=%d)", ErrInvalidSizing, opts.CacheSize, opts.BufferSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &Store{
		dir:        dir,
		bufferSize: opts.BufferSize,
		cacheSize:  opts.CacheSize,
		dirty:      make(map[string]struct{}),
		known:      make(map[string]struct{}),
	}

	cache, err := simplelru.NewLRU[string, record.Object](opts.CacheSize, func(string, record.Object) {
		s.stats.Evictions++
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	s.cache = cache

	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Put stores value under key and marks it dirty. When more than BufferSize
// entries are dirty, Put commits them before returning.
//
// The store keeps value itself, not a copy; callers must not mutate it after
// Put unless they Put it again.
func (s *Store) Put(key string, value record.Object) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}

	// A dirty entry must never be evicted before it reaches disk.
	if !s.cache.Contains(key) && s.cache.Len() >= s.cacheSize {
		if oldest, _, ok := s.cache.GetOldest(); ok {
			if _, isDirty := s.dirty[oldest]; isDirty {
				if err := s.Commit(); err != nil {
					return err
				}
			}
		}
	}

	s.cache.Add(key, value)
	s.dirty[key] = struct{}{}
	if _, ok := s.known[key]; !ok {
		s.known[key] = struct{}{}
		s.order = append(s.order, key)
	}

	if len(s.dirty) > s.bufferSize {
		return s.Commit()
	}
	return nil
}

// Get returns the record stored under key.
//
// A cache miss first commits pending writes, then loads the record from disk
// into the cache. Fails with ErrRecordNotFound when the key is unknown or its
// file cannot be read back.
func (s *Store) Get(key string) (record.Object, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}

	if v, ok := s.cache.Get(key); ok {
		s.stats.Hits++
		return v, nil
	}
	s.stats.Misses++

	if err := s.Commit(); err != nil {
		return nil, err
	}

	v, err := s.load(key)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, v)
	s.stats.Loads++
	return v, nil
}

// HasKey reports whether key is cached or present on disk. It never loads
// the record.
func (s *Store) HasKey(key string) bool {
	key, err := normalizeKey(key)
	if err != nil {
		return false
	}
	if s.cache.Contains(key) {
		return true
	}
	_, err = os.Stat(s.pathFor(key))
	return err == nil
}

// Commit writes every dirty entry to its own file and clears the dirty set.
// Safe to call with nothing dirty.
func (s *Store) Commit() error {
	if len(s.dirty) == 0 {
		return nil
	}

	keys := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		v, ok := s.cache.Peek(key)
		if !ok {
			return fmt.Errorf("commit %s: dirty entry missing from cache", key)
		}
		if err := s.write(key, v); err != nil {
			return fmt.Errorf("commit %s: %w", key, err)
		}
		delete(s.dirty, key)
		s.stats.Flushed++
	}
	s.stats.Commits++
	return nil
}

// ForEach calls fn for every known key in first-put order, loading records
// from disk as needed. Iteration stops at the first error.
func (s *Store) ForEach(fn func(key string, value record.Object) error) error {
	keys := slices.Clone(s.order)
	for _, key := range keys {
		v, err := s.Get(key)
		if err != nil {
			return err
		}
		if err := fn(key, v); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of known keys.
func (s *Store) Len() int {
	return len(s.known)
}

// Keys returns the known keys in first-put order.
func (s *Store) Keys() []string {
	return slices.Clone(s.order)
}

// Dirty returns the number of uncommitted entries.
func (s *Store) Dirty() int {
	return len(s.dirty)
}

// Stats returns activity counters.
func (s *Store) Stats() Stats {
	return s.stats
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.dir, fileName(key))
}

func (s *Store) write(key string, v record.Object) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.pathFor(key))
}

func (s *Store) load(key string) (record.Object, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRecordNotFound, key, err)
	}
	v, err := record.UnmarshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: decode: %v", ErrRecordNotFound, key, err)
	}
	obj, ok := v.(record.Object)
	if !ok {
		return nil, fmt.Errorf("%w: %s: stored value is %T, not an object", ErrRecordNotFound, key, v)
	}
	return obj, nil
}

// scan registers keys already present in the directory, sorted by key.
func (s *Store) scan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("scan store dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		s.known[key] = struct{}{}
		s.order = append(s.order, key)
	}
	return nil
}

// normalizeKey applies NFC so visually identical keys share one file.
func normalizeKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	return norm.NFC.String(key), nil
}

// fileName escapes a key into a single path element. A leading dot is
// escaped too, so keys never collide with temp files or "." and "..".
func fileName(key string) string {
	name := url.PathEscape(key)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name
}
