package storage

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/colorfulnotion/tierjit/log"
)

// StoreOptions tunes the LevelDB instance behind a PersistenceStore.
// Snapshots of the JIT state are written rarely and read once at startup,
// so the defaults keep the block cache small.
type StoreOptions struct {
	BlockCacheBytes int  `yaml:"block_cache_bytes" json:"block_cache_bytes"`
	Compress        bool `yaml:"compress" json:"compress"`
	SyncWrites      bool `yaml:"sync_writes" json:"sync_writes"`
}

func DefaultStoreOptions() StoreOptions {
	return StoreOptions{BlockCacheBytes: 1 << 20, Compress: true, SyncWrites: true}
}

func (o StoreOptions) leveldb() *opt.Options {
	c := opt.NoCompression
	if o.Compress {
		c = opt.SnappyCompression
	}
	return &opt.Options{BlockCacheCapacity: o.BlockCacheBytes, Compression: c}
}

// PersistenceStore is the LevelDB key-value store that holds runtime
// snapshots. LevelDB synchronizes internally, so a store may be shared.
type PersistenceStore struct {
	db   *leveldb.DB
	path string
	opts StoreOptions
}

// NewPersistenceStore opens or creates a store at path with default options.
// An empty path gives an in-memory store.
func NewPersistenceStore(path string) (*PersistenceStore, error) {
	return OpenPersistenceStore(path, DefaultStoreOptions())
}

func OpenPersistenceStore(path string, opts StoreOptions) (*PersistenceStore, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), opts.leveldb())
	} else {
		db, err = leveldb.OpenFile(path, opts.leveldb())
	}
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	log.Debug(log.StoreMonitoring, "store opened", "path", path, "compress", opts.Compress)
	return &PersistenceStore{db: db, path: path, opts: opts}, nil
}

func NewMemoryPersistenceStore() (*PersistenceStore, error) {
	return NewPersistenceStore("")
}

func (ps *PersistenceStore) Path() string { return ps.path }

// Get returns (nil, false, nil) for a missing key.
func (ps *PersistenceStore) Get(key []byte) ([]byte, bool, error) {
	data, err := ps.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return data, true, nil
}

func (ps *PersistenceStore) Has(key []byte) (bool, error) {
	return ps.db.Has(key, nil)
}

func (ps *PersistenceStore) Put(key, value []byte) error {
	return ps.db.Put(key, value, ps.writeOptions())
}

func (ps *PersistenceStore) Delete(key []byte) error {
	return ps.db.Delete(key, ps.writeOptions())
}

// Scan calls fn for every key under prefix in key order. The slices passed
// to fn are only valid for the duration of the call. A non-nil error from fn
// stops the scan and is returned.
func (ps *PersistenceStore) Scan(prefix []byte, fn func(key, value []byte) error) error {
	iter := ps.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan %q: %w", prefix, err)
	}
	return nil
}

// CountPrefix returns the number of keys under prefix.
func (ps *PersistenceStore) CountPrefix(prefix []byte) (int, error) {
	n := 0
	err := ps.Scan(prefix, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

// ReplacePrefix atomically deletes every key under prefix and writes the
// entries that fill adds to the batch. Every key fill writes should sit
// under prefix, otherwise a later ReplacePrefix will not clear it.
func (ps *PersistenceStore) ReplacePrefix(prefix []byte, fill func(b *leveldb.Batch) error) error {
	batch := new(leveldb.Batch)
	if err := ps.Scan(prefix, func(key, _ []byte) error {
		batch.Delete(append([]byte(nil), key...))
		return nil
	}); err != nil {
		return err
	}
	if fill != nil {
		if err := fill(batch); err != nil {
			return err
		}
	}
	if err := ps.db.Write(batch, ps.writeOptions()); err != nil {
		return fmt.Errorf("replace %q: %w", prefix, err)
	}
	return nil
}

// Compact rewrites the key range under prefix, dropping tombstones left by
// earlier replacements.
func (ps *PersistenceStore) Compact(prefix []byte) error {
	return ps.db.CompactRange(*util.BytesPrefix(prefix))
}

// Stats returns LevelDB's own statistics text.
func (ps *PersistenceStore) Stats() (string, error) {
	return ps.db.GetProperty("leveldb.stats")
}

func (ps *PersistenceStore) Close() error {
	return ps.db.Close()
}

func (ps *PersistenceStore) writeOptions() *opt.WriteOptions {
	return &opt.WriteOptions{Sync: ps.opts.SyncWrites}
}
