// Package s3 implements blobstore.Store against an S3-compatible endpoint
// using minio-go, with a sharded client pool and exponential-backoff
// retries matching the engine's S3 instantiation requirements.
package s3

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // content-addressing checksum, not a security boundary
	"encoding/hex"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/cloudkv/engine/pkg/blobstore"
	"github.com/cloudkv/engine/pkg/kverrors"
	"github.com/cloudkv/engine/pkg/log"
)

// Config configures a Backend.
type Config struct {
	Endpoint        string
	AccessKey       string
	SecretAccessKey string
	Bucket          string
	Region          string
	StorageClass    string
	UseSSL          bool
	NumShards       int
	NumDelParallel  int
	NumScrubParallel int
	MaxDelSize      int
}

// Backend is a minio-go-backed blobstore.Store. It keeps a small pool of
// clients ("shards") so concurrent callers don't serialize on one
// underlying HTTP transport's connection reuse heuristics, and tracks the
// worst-case request time seen, exposed through MaxRequestTimeMs; that
// value does not set any request's timeout.
type Backend struct {
	cfg Config

	poolMu sync.Mutex
	pool   []*minio.Client

	maxRequestTimeMs atomic.Int64
	uploadedBytes    atomic.Uint64
	downloadedBytes  atomic.Uint64

	logger zerolog.Logger
}

// New builds a Backend and its shard pool. It does not perform network IO.
func New(cfg Config) (*Backend, error) {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 4
	}
	b := &Backend{cfg: cfg, logger: log.WithComponent("blobstore-s3")}
	for i := 0; i < cfg.NumShards; i++ {
		cli, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretAccessKey, ""),
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, kverrors.TransientBackend.New("building minio client %d: %v", i, err)
		}
		b.pool = append(b.pool, cli)
	}
	b.maxRequestTimeMs.Store(int64(5 * time.Second / time.Millisecond))
	return b, nil
}

// acquire returns the pool's shard-th client, shard-keyed for even spread
// across the underlying HTTP transports. Clients are shared, not checked
// out, since minio.Client is itself safe for concurrent use.
func (b *Backend) acquire(shard int) *minio.Client {
	b.poolMu.Lock()
	defer b.poolMu.Unlock()
	idx := shard % len(b.pool)
	cli := b.pool[idx]
	return cli
}

func (b *Backend) trackTiming(start time.Time) {
	elapsed := time.Since(start).Milliseconds()
	for {
		cur := b.maxRequestTimeMs.Load()
		if elapsed <= cur {
			return
		}
		if b.maxRequestTimeMs.CompareAndSwap(cur, elapsed) {
			return
		}
	}
}

func (b *Backend) retry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if kverrors.Is(err, kverrors.Misuse) || kverrors.Is(err, kverrors.NotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

func shardFor(key string) int {
	h := 0
	for _, c := range key {
		h = h*31 + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}

func (b *Backend) Get(ctx context.Context, key string, wantMD5 []byte, flags blobstore.GetFlags, dst io.WriterAt) ([]byte, blobstore.StatusBits, error) {
	start := time.Now()
	defer b.trackTiming(start)

	cli := b.acquire(shardFor(key))
	var status blobstore.StatusBits
	var actualMD5 []byte

	err := b.retry(ctx, func() error {
		obj, err := cli.GetObject(ctx, b.cfg.Bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return classifyErr(err)
		}
		defer obj.Close()

		info, err := obj.Stat()
		if err != nil {
			errResp := minio.ToErrorResponse(err)
			if errResp.Code == "NoSuchKey" {
				status |= blobstore.NotFound
				return nil
			}
			return classifyErr(err)
		}

		h := md5.New()
		buf := make([]byte, 0, info.Size)
		tee := io.TeeReader(obj, h)
		data, err := io.ReadAll(tee)
		if err != nil {
			return classifyErr(err)
		}
		buf = append(buf, data...)
		if _, err := dst.WriteAt(buf, 0); err != nil {
			return err
		}
		actualMD5 = h.Sum(nil)
		if len(wantMD5) > 0 && !bytes.Equal(actualMD5, wantMD5) {
			status |= blobstore.RepairError
			return kverrors.IntegrityMismatch.New("md5 mismatch for %s", key)
		}
		b.downloadedBytes.Add(uint64(len(buf)))
		return nil
	})
	if err != nil && !kverrors.Is(err, kverrors.IntegrityMismatch) {
		if status&blobstore.NotFound != 0 {
			return nil, status, nil
		}
		return nil, status, err
	}
	return actualMD5, status, nil
}

func (b *Backend) Put(ctx context.Context, key string, src io.Reader, size int64, flags blobstore.PutFlags) ([]byte, int64, error) {
	start := time.Now()
	defer b.trackTiming(start)

	cli := b.acquire(shardFor(key))
	var storedSize int64
	var md5sum []byte

	body, err := io.ReadAll(src)
	if err != nil {
		return nil, 0, err
	}
	h := md5.New()
	h.Write(body)
	md5sum = h.Sum(nil)

	err = b.retry(ctx, func() error {
		opts := minio.PutObjectOptions{StorageClass: b.cfg.StorageClass}
		info, err := cli.PutObject(ctx, b.cfg.Bucket, key, bytes.NewReader(body), int64(len(body)), opts)
		if err != nil {
			return classifyErr(err)
		}
		storedSize = info.Size
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	b.uploadedBytes.Add(uint64(storedSize))
	return md5sum, storedSize, nil
}

func (b *Backend) List(ctx context.Context, callback func(blobstore.ListEntry) bool) error {
	cli := b.acquire(0)
	for obj := range cli.ListObjects(ctx, b.cfg.Bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return classifyErr(obj.Err)
		}
		md5sum, _ := hex.DecodeString(obj.ETag)
		entry := blobstore.ListEntry{
			Key:          obj.Key,
			MD5Sum:       md5sum,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		}
		if !callback(entry) {
			return nil
		}
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, keys blobstore.KeyStream, locInfo blobstore.LocInfoStream, backgroundQueue bool) (bool, error) {
	cli := b.acquire(0)
	var key string
	ok := true
	for keys.Next(&key) {
		err := b.retry(ctx, func() error {
			return classifyErr(cli.RemoveObject(ctx, b.cfg.Bucket, key, minio.RemoveObjectOptions{}))
		})
		if err != nil {
			if kverrors.Is(err, kverrors.NotFound) {
				continue
			}
			b.logger.Warn().Err(err).Str("key", key).Msg("delete failed")
			ok = false
			return ok, err
		}
	}
	return ok, nil
}

func (b *Backend) CheckDeleted(ctx context.Context, key string, locInfo []byte) (bool, error) {
	cli := b.acquire(shardFor(key))
	_, err := cli.StatObject(ctx, b.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return true, nil
		}
		return false, classifyErr(err)
	}
	return false, nil
}

func (b *Backend) Sync(ctx context.Context, backgroundQueue bool) error { return nil }

func (b *Backend) MaxDelSize() int {
	if b.cfg.MaxDelSize > 0 {
		return b.cfg.MaxDelSize
	}
	return 1000
}
func (b *Backend) NumDelParallel() int {
	if b.cfg.NumDelParallel > 0 {
		return b.cfg.NumDelParallel
	}
	return 4
}
func (b *Backend) NumScrubParallel() int {
	if b.cfg.NumScrubParallel > 0 {
		return b.cfg.NumScrubParallel
	}
	return 4
}
func (b *Backend) HasTransactions() bool      { return false }
func (b *Backend) PreferSequentialRead() bool { return true }
func (b *Backend) OrderedDel() bool           { return false }
func (b *Backend) CanReadUnsynced() bool      { return false }
func (b *Backend) IsPutSync() bool            { return true }
func (b *Backend) DelWithLocationInfo() bool  { return false }
func (b *Backend) NeedCurrDel() bool          { return false }
func (b *Backend) FastWriteRetry() bool       { return true }
func (b *Backend) WantPutMetadata() bool      { return false }

func (b *Backend) UploadedBytes() uint64   { return b.uploadedBytes.Load() }
func (b *Backend) DownloadedBytes() uint64 { return b.downloadedBytes.Load() }

// MaxRequestTimeMs returns the observed worst-case request latency, used
// by callers sizing their own adaptive timeouts.
func (b *Backend) MaxRequestTimeMs() int64 { return b.maxRequestTimeMs.Load() }

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return kverrors.NotFound.New("%v", err)
	case "SlowDown", "ServiceUnavailable", "RequestTimeout":
		return kverrors.TransientBackend.New("%v", err)
	}
	return kverrors.TransientBackend.New("%v", err)
}
