package fileindex

import (
	bolt "go.etcd.io/bbolt"

	"github.com/cloudkv/engine/pkg/kverrors"
)

// mapSize tracks the InitialMmapSize passed to the last (re)open, doubled
// on each Grow. bbolt grows its own mmap automatically on most platforms,
// so MAP_FULL in the literal LMDB sense does not occur here; Grow exists
// for the write path described in the source design (abort, grow, replay)
// in case a future backend (or a memory-constrained platform) needs it.
const initialMapSize = 64 << 20 // 64MiB

// Grow closes and reopens the backing file with a doubled initial mmap
// size. Callers must hold no outstanding transactions; StartTransaction's
// caller should Abort first. Replaying the aborted write is the caller's
// responsibility, mirroring the source's in-memory write log.
func (idx *Index) Grow() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.db.Close(); err != nil {
		return kverrors.Corruption.New("closing fileindex for grow: %v", err)
	}

	if idx.mapSize == 0 {
		idx.mapSize = initialMapSize
	}
	idx.mapSize *= 2
	db, err := bolt.Open(idx.path, 0600, &bolt.Options{InitialMmapSize: idx.mapSize})
	if err != nil {
		return kverrors.Corruption.New("reopening fileindex after grow: %v", err)
	}
	idx.db = db
	return nil
}
