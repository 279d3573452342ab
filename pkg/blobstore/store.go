// Package blobstore defines the capability interface the engine uses to
// talk to a remote object backend, independent of which backend (S3,
// a mirror, a test fake) actually serves it.
package blobstore

import (
	"context"
	"io"
	"time"
)

// GetFlags controls how Get behaves.
type GetFlags uint32

const (
	Decrypted GetFlags = 1 << iota
	Rebalance
	Scrub
	Prioritize
	Readahead
	Unsynced
	Rebuild
	IgnoreReadErrors
	PrependMD5Sum
	Background
	NoThrottle
	Metadata
)

// PutFlags controls how Put behaves.
type PutFlags uint32

const (
	AlreadyCompressedEncrypted PutFlags = 1 << iota
	PutMetadata
)

// StatusBits reports what happened during a Get.
type StatusBits uint32

const (
	Repaired StatusBits = 1 << iota
	Enospc
	NotFound
	RepairError
	Skipped
)

// ListEntry is one row yielded by List.
type ListEntry struct {
	Key          string
	MD5Sum       []byte
	Size         int64
	LastModified time.Time
}

// KeyStream is a restartable, lazily-produced sequence of backend keys, the
// shape ObjectCollector chunks present to Delete.
type KeyStream interface {
	// Next copies the next key into dst and returns true, or returns
	// false once the stream is exhausted.
	Next(dst *string) bool
	Reset()
	Clear()
}

// LocInfoStream parallels a KeyStream with backend-specific location info,
// required only when Store.DelWithLocationInfo is true.
type LocInfoStream interface {
	Next(dst *[]byte) bool
	Reset()
	Clear()
}

// Store is the capability interface a blob backend implements. Every
// method is safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string, wantMD5 []byte, flags GetFlags, dst io.WriterAt) (actualMD5 []byte, status StatusBits, err error)
	Put(ctx context.Context, key string, src io.Reader, size int64, flags PutFlags) (md5 []byte, storedSize int64, err error)
	List(ctx context.Context, callback func(ListEntry) bool) error
	Delete(ctx context.Context, keys KeyStream, locInfo LocInfoStream, backgroundQueue bool) (bool, error)
	CheckDeleted(ctx context.Context, key string, locInfo []byte) (bool, error)

	MaxDelSize() int
	NumDelParallel() int
	NumScrubParallel() int
	HasTransactions() bool
	PreferSequentialRead() bool
	OrderedDel() bool
	CanReadUnsynced() bool
	IsPutSync() bool
	DelWithLocationInfo() bool
	NeedCurrDel() bool
	FastWriteRetry() bool
	WantPutMetadata() bool

	UploadedBytes() uint64
	DownloadedBytes() uint64

	Sync(ctx context.Context, backgroundQueue bool) error
}
