// Package fileindex is the embedded ordered key/value index mapping
// (hash, size, tenant) to an opaque entry id, used by the deduplication
// layer to find content shared across tenants. It is backed by bbolt, the
// closest Go-native analogue to the source's memory-mapped ordered store.
package fileindex

import (
	"encoding/binary"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cloudkv/engine/pkg/kverrors"
	"github.com/cloudkv/engine/pkg/types"
)

var bucketEntries = []byte("entries")

// Index is the FileEntryIndex. A process-wide RWMutex gates write
// transactions so any number of readers run concurrently while a writer
// excludes them, mirroring the store-wide RwLock of §4.3; bbolt's own
// single-writer transaction model enforces the rest.
type Index struct {
	path string

	mu      sync.RWMutex
	db      *bolt.DB
	mapSize int
}

// Open opens (or creates) the index file at path.
func Open(path string) (*Index, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, kverrors.Corruption.New("opening fileindex %s: %v", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, kverrors.Corruption.New("creating fileindex bucket: %v", err)
	}
	return &Index{path: path, db: db}, nil
}

func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.db.Close()
}

// EntryCount returns the approximate number of rows in the index,
// telemetry for the fileindex_entries gauge.
func (idx *Index) EntryCount() (int64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var n int
	err := idx.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, kverrors.Corruption.New("fileindex entry count: %v", err)
	}
	return int64(n), nil
}

// MapSize returns the backing mmap size currently in effect, 0 if the
// index has never needed to grow past bbolt's own default.
func (idx *Index) MapSize() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.mapSize
}

func entryIDBytes(id uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, id)
	return buf
}

func entryIDFromBytes(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// Put inserts or overwrites key -> entryID. appendMode is accepted for API
// parity with the source's fast bulk-load path; bbolt's B+tree append
// optimization triggers automatically for monotonically increasing keys,
// so no special handling is required here.
func (idx *Index) Put(hash [16]byte, size int64, tenant types.TenantID, entryID uint64, appendMode bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := types.EncodeFileIndexKey(hash, size, tenant)
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put(key, entryIDBytes(entryID))
	})
}

// Get performs an exact-match lookup.
func (idx *Index) Get(hash [16]byte, size int64, tenant types.TenantID) (uint64, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	key := types.EncodeFileIndexKey(hash, size, tenant)
	var entryID uint64
	var found bool
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get(key)
		if v == nil {
			return nil
		}
		found = true
		entryID = entryIDFromBytes(v)
		return nil
	})
	return entryID, found, err
}

// GetAnyClient range-scans starting at (hash,size,0) and returns the first
// entry whose (hash,size) matches, regardless of tenant.
func (idx *Index) GetAnyClient(hash [16]byte, size int64) (types.TenantID, uint64, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	prefix := types.HashSizePrefix(hash, size)
	var tenant types.TenantID
	var entryID uint64
	var found bool
	err := idx.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		k, v := c.Seek(prefix)
		if k == nil || !hasPrefix(k, prefix) {
			return nil
		}
		_, _, tenant = types.DecodeFileIndexKey(k)
		entryID = entryIDFromBytes(v)
		found = true
		return nil
	})
	return tenant, entryID, found, err
}

// GetAllClients returns every tenant holding (hash,size).
func (idx *Index) GetAllClients(hash [16]byte, size int64) (map[types.TenantID]uint64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	prefix := types.HashSizePrefix(hash, size)
	out := make(map[types.TenantID]uint64)
	err := idx.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			_, _, tenant := types.DecodeFileIndexKey(k)
			out[tenant] = entryIDFromBytes(v)
		}
		return nil
	})
	return out, err
}

// GetPreferClient tries the exact (hash,size,tenant) key first via a
// SET_RANGE-style seek, then falls back by stepping backward up to two
// entries looking for a same-(hash,size) neighbor. The backward scan is
// bounded at two entries: the first neighbor within that bound whose
// (hash,size) matches is returned, whatever its tenant, and entries
// further back are not examined.
func (idx *Index) GetPreferClient(hash [16]byte, size int64, tenant types.TenantID) (uint64, bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	key := types.EncodeFileIndexKey(hash, size, tenant)
	var entryID uint64
	var found bool
	err := idx.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		k, v := c.Seek(key)
		if k != nil && string(k) == string(key) {
			entryID = entryIDFromBytes(v)
			found = true
			return nil
		}

		// Seek overshot past key (no exact match); the preceding entry is
		// the nearest candidate. Step back up to two entries looking for a
		// same-(hash,size) neighbor.
		prefix := types.HashSizePrefix(hash, size)
		k, v = c.Prev()
		for steps := 0; k != nil && steps < 2; steps++ {
			if hasPrefix(k, prefix) {
				entryID = entryIDFromBytes(v)
				found = true
				return nil
			}
			k, v = c.Prev()
		}
		return nil
	})
	return entryID, found, err
}

// Delete removes an entry. It is a no-op if the key is absent.
func (idx *Index) Delete(hash [16]byte, size int64, tenant types.TenantID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := types.EncodeFileIndexKey(hash, size, tenant)
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete(key)
	})
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}

// WriteTxn is a handle for a batch of writes that must commit atomically.
type WriteTxn struct {
	tx *bolt.Tx
}

// StartTransaction begins an explicit write transaction. Writes made
// through the returned WriteTxn are invisible until CommitTransaction;
// AbortTransaction discards them.
func (idx *Index) StartTransaction() (*WriteTxn, error) {
	idx.mu.Lock()
	tx, err := idx.db.Begin(true)
	if err != nil {
		idx.mu.Unlock()
		return nil, kverrors.Corruption.New("begin fileindex txn: %v", err)
	}
	return &WriteTxn{tx: tx}, nil
}

func (wt *WriteTxn) Put(hash [16]byte, size int64, tenant types.TenantID, entryID uint64) error {
	key := types.EncodeFileIndexKey(hash, size, tenant)
	return wt.tx.Bucket(bucketEntries).Put(key, entryIDBytes(entryID))
}

func (idx *Index) CommitTransaction(wt *WriteTxn) error {
	defer idx.mu.Unlock()
	if err := wt.tx.Commit(); err != nil {
		return kverrors.Corruption.New("commit fileindex txn: %v", err)
	}
	return nil
}

func (idx *Index) AbortTransaction(wt *WriteTxn) error {
	defer idx.mu.Unlock()
	return wt.tx.Rollback()
}

// BulkEntry is one row fed to Create by the caller's sorted-batch reader.
type BulkEntry struct {
	Hash    [16]byte
	Size    int64
	Tenant  types.TenantID
	EntryID uint64
}

// Create bulk-populates the index: the supplied reader yields ascending
// batches, committed to the backing store every 10,000 entries so a crash
// mid-load loses at most one partial batch. If two rows share a key, the
// later one wins; MetaDb is responsible for patching any pointer chain
// that referenced the superseded entry id, since the index itself only
// ever stores the current mapping.
func (idx *Index) Create(next func() (BulkEntry, bool, error)) error {
	const commitEvery = 10000

	idx.mu.Lock()
	defer idx.mu.Unlock()

	tx, err := idx.db.Begin(true)
	if err != nil {
		return kverrors.Corruption.New("begin bulk load: %v", err)
	}
	count := 0
	for {
		entry, ok, err := next()
		if err != nil {
			tx.Rollback()
			return err
		}
		if !ok {
			break
		}
		key := types.EncodeFileIndexKey(entry.Hash, entry.Size, entry.Tenant)
		if err := tx.Bucket(bucketEntries).Put(key, entryIDBytes(entry.EntryID)); err != nil {
			tx.Rollback()
			return kverrors.Corruption.New("bulk load put: %v", err)
		}
		count++
		if count%commitEvery == 0 {
			if err := tx.Commit(); err != nil {
				return kverrors.Corruption.New("bulk load commit: %v", err)
			}
			tx, err = idx.db.Begin(true)
			if err != nil {
				return kverrors.Corruption.New("begin bulk load: %v", err)
			}
		}
	}
	return tx.Commit()
}

// Iterator groups entries sharing (hash,size) for rebuild/reconciliation
// passes.
type Iterator struct {
	idx     *Index
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	nextKey []byte
	done    bool
}

// StartIteration begins a read-only iteration over the whole index.
func (idx *Index) StartIteration() (*Iterator, error) {
	idx.mu.RLock()
	tx, err := idx.db.Begin(false)
	if err != nil {
		idx.mu.RUnlock()
		return nil, kverrors.Corruption.New("begin iteration: %v", err)
	}
	c := tx.Bucket(bucketEntries).Cursor()
	k, _ := c.First()
	return &Iterator{idx: idx, tx: tx, cursor: c, nextKey: k}, nil
}

// NextBatchSamePrefix returns the (hash,size) group starting at the
// iterator's current position as a tenant -> entryID map, and advances
// past it.
func (it *Iterator) NextBatchSamePrefix() (map[types.TenantID]uint64, bool) {
	if it.done || it.nextKey == nil {
		return nil, false
	}
	hash, size, _ := types.DecodeFileIndexKey(it.nextKey)
	prefix := types.HashSizePrefix(hash, size)

	out := make(map[types.TenantID]uint64)
	k, v := it.cursor.Seek(it.nextKey)
	for k != nil && hasPrefix(k, prefix) {
		_, _, tenant := types.DecodeFileIndexKey(k)
		out[tenant] = entryIDFromBytes(v)
		k, v = it.cursor.Next()
	}
	it.nextKey = k
	if k == nil {
		it.done = true
	}
	return out, true
}

// StopIteration releases the iterator's read transaction.
func (it *Iterator) StopIteration() error {
	defer it.idx.mu.RUnlock()
	return it.tx.Rollback()
}
