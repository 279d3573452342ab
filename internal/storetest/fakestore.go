// Package storetest provides an in-memory blobstore.Store double for
// exercising the packages that sit on top of BlobStore without a network
// dependency.
package storetest

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudkv/engine/pkg/blobstore"
)

type object struct {
	data         []byte
	md5sum       []byte
	lastModified time.Time
}

// Store is a minimal, single-process blobstore.Store backed by a map. It
// supports the capability flags individual tests need to flip via its
// exported fields, set before the store is handed to the package under
// test.
type Store struct {
	mu      sync.Mutex
	objects map[string]object

	CanReadUnsyncedFlag bool
	OrderedDelFlag      bool
	DelWithLocInfoFlag  bool

	uploaded   atomic.Uint64
	downloaded atomic.Uint64

	// GetErr, when non-nil, is returned by Get on every call.
	GetErr error
}

// New returns an empty Store.
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

func (s *Store) Get(ctx context.Context, key string, wantMD5 []byte, flags blobstore.GetFlags, dst io.WriterAt) ([]byte, blobstore.StatusBits, error) {
	if s.GetErr != nil {
		return nil, 0, s.GetErr
	}
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, blobstore.NotFound, nil
	}
	if _, err := dst.WriteAt(obj.data, 0); err != nil {
		return nil, 0, err
	}
	s.downloaded.Add(uint64(len(obj.data)))
	return obj.md5sum, 0, nil
}

func (s *Store) Put(ctx context.Context, key string, src io.Reader, size int64, flags blobstore.PutFlags) ([]byte, int64, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, 0, err
	}
	sum := md5.Sum(data)
	s.mu.Lock()
	s.objects[key] = object{data: data, md5sum: sum[:], lastModified: time.Now()}
	s.mu.Unlock()
	s.uploaded.Add(uint64(len(data)))
	return sum[:], int64(len(data)), nil
}

func (s *Store) List(ctx context.Context, callback func(blobstore.ListEntry) bool) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]blobstore.ListEntry, 0, len(keys))
	for _, k := range keys {
		obj := s.objects[k]
		entries = append(entries, blobstore.ListEntry{Key: k, MD5Sum: obj.md5sum, Size: int64(len(obj.data)), LastModified: obj.lastModified})
	}
	s.mu.Unlock()

	for _, e := range entries {
		if !callback(e) {
			return nil
		}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys blobstore.KeyStream, locInfo blobstore.LocInfoStream, backgroundQueue bool) (bool, error) {
	var k string
	s.mu.Lock()
	defer s.mu.Unlock()
	for keys.Next(&k) {
		delete(s.objects, k)
	}
	return true, nil
}

func (s *Store) CheckDeleted(ctx context.Context, key string, locInfo []byte) (bool, error) {
	s.mu.Lock()
	_, ok := s.objects[key]
	s.mu.Unlock()
	return !ok, nil
}

func (s *Store) MaxDelSize() int          { return 0 }
func (s *Store) NumDelParallel() int      { return 1 }
func (s *Store) NumScrubParallel() int    { return 1 }
func (s *Store) HasTransactions() bool    { return false }
func (s *Store) PreferSequentialRead() bool { return false }
func (s *Store) OrderedDel() bool         { return s.OrderedDelFlag }
func (s *Store) CanReadUnsynced() bool    { return s.CanReadUnsyncedFlag }
func (s *Store) IsPutSync() bool          { return true }
func (s *Store) DelWithLocationInfo() bool { return s.DelWithLocInfoFlag }
func (s *Store) NeedCurrDel() bool        { return false }
func (s *Store) FastWriteRetry() bool     { return false }
func (s *Store) WantPutMetadata() bool    { return false }

func (s *Store) UploadedBytes() uint64   { return s.uploaded.Load() }
func (s *Store) DownloadedBytes() uint64 { return s.downloaded.Load() }

func (s *Store) Sync(ctx context.Context, backgroundQueue bool) error { return nil }

// Has reports whether key is present, for test assertions.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

// Len returns the number of objects currently stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// WriterAtBuffer adapts a bytes.Buffer to io.WriterAt for tests that
// don't need concurrent or out-of-order writes.
type WriterAtBuffer struct {
	buf bytes.Buffer
}

func (w *WriterAtBuffer) WriteAt(p []byte, off int64) (int, error) {
	return w.buf.Write(p)
}

func (w *WriterAtBuffer) Bytes() []byte { return w.buf.Bytes() }
