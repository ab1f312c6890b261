package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.etcd.io/bbolt"
)

var (
	recordsBucket = []byte("records")
	indexesBucket = []byte("indexes")
	metaBucket    = []byte("meta")
	defKey        = []byte("def")
)

// internalPrefix marks top-level buckets that are not object stores.
const internalPrefix = "__"

// StoreDef describes an object store: its primary key path, whether the key
// is generated, and its secondary indexes.
type StoreDef struct {
	Name          string     `json:"name"`
	KeyPath       string     `json:"keyPath"`
	AutoIncrement bool       `json:"autoIncrement"`
	Indexes       []IndexDef `json:"indexes,omitempty"`
}

// IndexDef describes a secondary index. A multi-field KeyPath forms a
// compound index.
type IndexDef struct {
	Name    string   `json:"name"`
	KeyPath []string `json:"keyPath"`
	Unique  bool     `json:"unique,omitempty"`
}

// Index returns the named index definition.
func (d StoreDef) Index(name string) (IndexDef, bool) {
	for _, idx := range d.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDef{}, false
}

// Tx is a transaction over one workspace database. All stores obtained from
// a Tx share its snapshot; a read-write Tx commits or rolls back as a unit.
type Tx struct {
	tx *bbolt.Tx
}

// Writable reports whether the transaction can modify data.
func (t *Tx) Writable() bool {
	return t.tx.Writable()
}

// HasStore reports whether the named object store exists.
func (t *Tx) HasStore(name string) bool {
	return t.tx.Bucket([]byte(name)) != nil
}

// StoreNames lists the object stores present in the database, sorted.
func (t *Tx) StoreNames() []string {
	var names []string
	_ = t.tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
		if !strings.HasPrefix(string(name), internalPrefix) {
			names = append(names, string(name))
		}
		return nil
	})
	sort.Strings(names)
	return names
}

// Store opens an existing object store.
func (t *Tx) Store(name string) (*Store, error) {
	root := t.tx.Bucket([]byte(name))
	if root == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrStoreNotFound)
	}

	meta := root.Bucket(metaBucket)
	records := root.Bucket(recordsBucket)
	indexes := root.Bucket(indexesBucket)
	if meta == nil || records == nil || indexes == nil {
		return nil, fmt.Errorf("%s: incomplete store layout: %w", name, ErrStoreNotFound)
	}

	var def StoreDef
	if err := json.Unmarshal(meta.Get(defKey), &def); err != nil {
		return nil, fmt.Errorf("%s: read store definition: %w", name, err)
	}

	return &Store{tx: t, def: def, root: root, records: records, indexes: indexes}, nil
}

// CreateStore creates an object store with its indexes. If the store already
// exists, any index in def that is missing is created and the existing store
// is returned, so the call is safe to repeat.
func (t *Tx) CreateStore(def StoreDef) (*Store, error) {
	if !t.Writable() {
		return nil, ErrReadOnly
	}
	if def.Name == "" || strings.HasPrefix(def.Name, internalPrefix) {
		return nil, fmt.Errorf("invalid store name %q", def.Name)
	}

	if t.HasStore(def.Name) {
		st, err := t.Store(def.Name)
		if err != nil {
			return nil, err
		}
		for _, idx := range def.Indexes {
			if err := st.CreateIndex(idx); err != nil {
				return nil, err
			}
		}
		return st, nil
	}

	root, err := t.tx.CreateBucket([]byte(def.Name))
	if err != nil {
		return nil, fmt.Errorf("create store %s: %w", def.Name, err)
	}
	for _, name := range [][]byte{recordsBucket, indexesBucket, metaBucket} {
		if _, err := root.CreateBucket(name); err != nil {
			return nil, fmt.Errorf("create store %s: %w", def.Name, err)
		}
	}

	indexes := def.Indexes
	def.Indexes = nil
	st := &Store{
		tx:      t,
		def:     def,
		root:    root,
		records: root.Bucket(recordsBucket),
		indexes: root.Bucket(indexesBucket),
	}
	if err := st.saveDef(); err != nil {
		return nil, err
	}
	for _, idx := range indexes {
		if err := st.CreateIndex(idx); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// DeleteStore removes an object store and all of its records. Deleting a
// store that does not exist is not an error.
func (t *Tx) DeleteStore(name string) error {
	if !t.Writable() {
		return ErrReadOnly
	}
	err := t.tx.DeleteBucket([]byte(name))
	if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return fmt.Errorf("delete store %s: %w", name, err)
	}
	return nil
}

// Store is an object store bound to a transaction.
type Store struct {
	tx      *Tx
	def     StoreDef
	root    *bbolt.Bucket
	records *bbolt.Bucket
	indexes *bbolt.Bucket
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.def.Name
}

// Def returns the persisted store definition.
func (s *Store) Def() StoreDef {
	return s.def
}

// HasIndex reports whether the store has the named index.
func (s *Store) HasIndex(name string) bool {
	_, ok := s.def.Index(name)
	return ok
}

// Get returns a copy of the record stored under key.
func (s *Store) Get(key Key) ([]byte, bool) {
	v := s.records.Get(key)
	if v == nil {
		return nil, false
	}
	return copyBytes(v), true
}

// NextID reserves the next surrogate id of an auto-increment store.
func (s *Store) NextID() (int64, error) {
	if !s.def.AutoIncrement {
		return 0, fmt.Errorf("%s: store has no key generator", s.def.Name)
	}
	if !s.tx.Writable() {
		return 0, ErrReadOnly
	}
	seq, err := s.records.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("%s: next id: %w", s.def.Name, err)
	}
	return int64(seq), nil
}

// Insert stores value under key, failing with a ConstraintError when the key
// is already taken.
func (s *Store) Insert(key Key, value []byte) error {
	if s.records.Get(key) != nil {
		return &ConstraintError{Store: s.def.Name, Key: key.String()}
	}
	return s.Put(key, value)
}

// Put writes value under key, replacing any previous record and keeping
// every index in step. Unique index collisions with a different record fail
// with a ConstraintError and leave the store untouched.
func (s *Store) Put(key Key, value []byte) error {
	if !s.tx.Writable() {
		return ErrReadOnly
	}
	if len(key) == 0 {
		return fmt.Errorf("%s: empty primary key", s.def.Name)
	}

	fields, err := decodeFields(value)
	if err != nil {
		return fmt.Errorf("%s: %w", s.def.Name, err)
	}

	type pending struct {
		def     IndexDef
		bucket  *bbolt.Bucket
		encoded []byte
	}
	entries := make([]pending, 0, len(s.def.Indexes))
	for _, idx := range s.def.Indexes {
		b := s.indexes.Bucket([]byte(idx.Name))
		if b == nil {
			return fmt.Errorf("%s.%s: %w", s.def.Name, idx.Name, ErrIndexNotFound)
		}
		values, ok := extractKeyPath(fields, idx.KeyPath)
		if !ok {
			continue
		}
		encoded, err := encodeIndexValue(values)
		if err != nil {
			return err
		}
		if idx.Unique {
			if owner := b.Get(encoded); owner != nil && !bytes.Equal(owner, key) {
				return &ConstraintError{Store: s.def.Name, Index: idx.Name, Key: string(encoded)}
			}
		}
		entries = append(entries, pending{def: idx, bucket: b, encoded: encoded})
	}

	if old := s.records.Get(key); old != nil {
		if err := s.removeIndexEntries(key, copyBytes(old)); err != nil {
			return err
		}
	}

	for _, e := range entries {
		var err error
		if e.def.Unique {
			err = e.bucket.Put(e.encoded, key)
		} else {
			err = e.bucket.Put(nonUniqueEntry(e.encoded, key), []byte{})
		}
		if err != nil {
			return fmt.Errorf("%s.%s: write index: %w", s.def.Name, e.def.Name, err)
		}
	}

	if err := s.records.Put(key, value); err != nil {
		return fmt.Errorf("%s: put: %w", s.def.Name, err)
	}

	// An explicit key above the generator advances it, so later generated ids
	// never collide with restored ones.
	if s.def.AutoIncrement && len(key) == 8 {
		if id := uint64(key.Int()); id > s.records.Sequence() {
			if err := s.records.SetSequence(id); err != nil {
				return fmt.Errorf("%s: advance key generator: %w", s.def.Name, err)
			}
		}
	}
	return nil
}

// Delete removes the record under key. Missing keys are ignored.
func (s *Store) Delete(key Key) error {
	if !s.tx.Writable() {
		return ErrReadOnly
	}
	old := s.records.Get(key)
	if old == nil {
		return nil
	}
	if err := s.removeIndexEntries(key, copyBytes(old)); err != nil {
		return err
	}
	if err := s.records.Delete(key); err != nil {
		return fmt.Errorf("%s: delete: %w", s.def.Name, err)
	}
	return nil
}

// Clear removes every record. The key generator is preserved, so ids handed
// out after a clear never repeat earlier ones.
func (s *Store) Clear() error {
	if !s.tx.Writable() {
		return ErrReadOnly
	}
	seq := s.records.Sequence()

	if err := s.root.DeleteBucket(recordsBucket); err != nil {
		return fmt.Errorf("%s: clear: %w", s.def.Name, err)
	}
	records, err := s.root.CreateBucket(recordsBucket)
	if err != nil {
		return fmt.Errorf("%s: clear: %w", s.def.Name, err)
	}
	if err := records.SetSequence(seq); err != nil {
		return fmt.Errorf("%s: clear: %w", s.def.Name, err)
	}
	s.records = records

	for _, idx := range s.def.Indexes {
		if err := s.indexes.DeleteBucket([]byte(idx.Name)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("%s.%s: clear: %w", s.def.Name, idx.Name, err)
		}
		if _, err := s.indexes.CreateBucket([]byte(idx.Name)); err != nil {
			return fmt.Errorf("%s.%s: clear: %w", s.def.Name, idx.Name, err)
		}
	}
	return nil
}

// Count returns the number of records.
func (s *Store) Count() int {
	n := 0
	c := s.records.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// ForEach calls fn for every record in key order. The value slice is only
// valid for the duration of the call. fn must not modify the store; collect
// keys first and write afterwards.
func (s *Store) ForEach(fn func(key Key, value []byte) error) error {
	return s.records.ForEach(func(k, v []byte) error {
		return fn(Key(k), v)
	})
}

// Keys returns every primary key in order.
func (s *Store) Keys() []Key {
	var keys []Key
	c := s.records.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, Key(copyBytes(k)))
	}
	return keys
}

// IndexKeys returns the primary keys of records whose index value equals
// values (one value per key path component).
func (s *Store) IndexKeys(index string, values ...any) ([]Key, error) {
	idx, ok := s.def.Index(index)
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", s.def.Name, index, ErrIndexNotFound)
	}
	if len(values) != len(idx.KeyPath) {
		return nil, fmt.Errorf("%s.%s: expected %d values, got %d", s.def.Name, index, len(idx.KeyPath), len(values))
	}
	b := s.indexes.Bucket([]byte(idx.Name))
	if b == nil {
		return nil, fmt.Errorf("%s.%s: %w", s.def.Name, index, ErrIndexNotFound)
	}

	encoded, err := encodeIndexValue(values)
	if err != nil {
		return nil, err
	}

	if idx.Unique {
		pk := b.Get(encoded)
		if pk == nil {
			return nil, nil
		}
		return []Key{Key(copyBytes(pk))}, nil
	}

	prefix := append(encoded, indexSep)
	var keys []Key
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, Key(copyBytes(k[len(prefix):])))
	}
	return keys, nil
}

// GetByIndex returns the first record matching the index value.
func (s *Store) GetByIndex(index string, values ...any) (Key, []byte, bool, error) {
	keys, err := s.IndexKeys(index, values...)
	if err != nil || len(keys) == 0 {
		return nil, nil, false, err
	}
	v, ok := s.Get(keys[0])
	if !ok {
		return nil, nil, false, fmt.Errorf("%s.%s: dangling index entry %s", s.def.Name, index, keys[0])
	}
	return keys[0], v, true, nil
}

// GetAllByIndex returns every record matching the index value.
func (s *Store) GetAllByIndex(index string, values ...any) ([][]byte, error) {
	keys, err := s.IndexKeys(index, values...)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if v, ok := s.Get(k); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// CreateIndex adds an index and populates it from existing records. An index
// with the same name and definition is left alone; a differing definition is
// rebuilt. Existing duplicates make a unique index fail with a
// ConstraintError.
func (s *Store) CreateIndex(def IndexDef) error {
	if !s.tx.Writable() {
		return ErrReadOnly
	}
	if existing, ok := s.def.Index(def.Name); ok {
		if existing.Unique == def.Unique && equalPaths(existing.KeyPath, def.KeyPath) {
			return nil
		}
		if err := s.DeleteIndex(def.Name); err != nil {
			return err
		}
	}

	b, err := s.indexes.CreateBucketIfNotExists([]byte(def.Name))
	if err != nil {
		return fmt.Errorf("%s.%s: create index: %w", s.def.Name, def.Name, err)
	}

	err = s.records.ForEach(func(k, v []byte) error {
		fields, err := decodeFields(v)
		if err != nil {
			return fmt.Errorf("%s: key %s: %w", s.def.Name, Key(k), err)
		}
		values, ok := extractKeyPath(fields, def.KeyPath)
		if !ok {
			return nil
		}
		encoded, err := encodeIndexValue(values)
		if err != nil {
			return err
		}
		if def.Unique {
			if owner := b.Get(encoded); owner != nil && !bytes.Equal(owner, k) {
				return &ConstraintError{Store: s.def.Name, Index: def.Name, Key: string(encoded)}
			}
			return b.Put(encoded, copyBytes(k))
		}
		return b.Put(nonUniqueEntry(encoded, k), []byte{})
	})
	if err != nil {
		return err
	}

	s.def.Indexes = append(s.def.Indexes, def)
	return s.saveDef()
}

// DeleteIndex drops an index. Unknown names are ignored.
func (s *Store) DeleteIndex(name string) error {
	if !s.tx.Writable() {
		return ErrReadOnly
	}
	if err := s.indexes.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
		return fmt.Errorf("%s.%s: delete index: %w", s.def.Name, name, err)
	}
	kept := make([]IndexDef, 0, len(s.def.Indexes))
	for _, idx := range s.def.Indexes {
		if idx.Name != name {
			kept = append(kept, idx)
		}
	}
	s.def.Indexes = kept
	return s.saveDef()
}

func (s *Store) removeIndexEntries(key Key, old []byte) error {
	fields, err := decodeFields(old)
	if err != nil {
		return fmt.Errorf("%s: %w", s.def.Name, err)
	}
	for _, idx := range s.def.Indexes {
		b := s.indexes.Bucket([]byte(idx.Name))
		if b == nil {
			continue
		}
		values, ok := extractKeyPath(fields, idx.KeyPath)
		if !ok {
			continue
		}
		encoded, err := encodeIndexValue(values)
		if err != nil {
			return err
		}
		if idx.Unique {
			if owner := b.Get(encoded); owner != nil && bytes.Equal(owner, key) {
				if err := b.Delete(encoded); err != nil {
					return err
				}
			}
			continue
		}
		if err := b.Delete(nonUniqueEntry(encoded, key)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) saveDef() error {
	data, err := json.Marshal(s.def)
	if err != nil {
		return fmt.Errorf("%s: encode store definition: %w", s.def.Name, err)
	}
	if err := s.root.Bucket(metaBucket).Put(defKey, data); err != nil {
		return fmt.Errorf("%s: write store definition: %w", s.def.Name, err)
	}
	return nil
}

func equalPaths(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
