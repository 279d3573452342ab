// Package frontend is the engine's composition root: Frontend binds
// PutPipeline and TransactionManager into the single object clients call
// put/get/del/new_transaction/finalize against, and tracks the process-wide
// fail-bit that trips after repeated MetaDb failures.
package frontend

import (
	"context"
	"io"
	"runtime"
	"sync/atomic"

	"github.com/cloudkv/engine/pkg/blobstore"
	"github.com/cloudkv/engine/pkg/fileindex"
	"github.com/cloudkv/engine/pkg/kverrors"
	"github.com/cloudkv/engine/pkg/log"
	"github.com/cloudkv/engine/pkg/metadb"
	"github.com/cloudkv/engine/pkg/metrics"
	"github.com/cloudkv/engine/pkg/putpipeline"
	"github.com/cloudkv/engine/pkg/scrub"
	"github.com/cloudkv/engine/pkg/txmanager"
	"github.com/cloudkv/engine/pkg/types"
)

// maxConsecutiveMetaDbFailures trips the fail-bit: past this many
// back-to-back MetaDb errors on the hot path, the engine refuses further
// writes rather than risk diverging from what BlobStore actually holds.
const maxConsecutiveMetaDbFailures = 5

// Engine is the Frontend.
type Engine struct {
	db        *metadb.DB
	store     blobstore.Store
	pipeline  *putpipeline.Pipeline
	txmanager *txmanager.Manager
	fileIndex *fileindex.Index
	scrubber  *scrub.Worker

	failBit     atomic.Bool
	consecFails atomic.Int32
}

// New wires a Frontend over an already-open MetaDb, BlobStore and (optional)
// FileEntryIndex.
func New(db *metadb.DB, store blobstore.Store, fileIndex *fileindex.Index, scrubber *scrub.Worker) *Engine {
	return &Engine{
		db:        db,
		store:     store,
		pipeline:  putpipeline.New(db, store),
		txmanager: txmanager.New(db),
		fileIndex: fileIndex,
		scrubber:  scrubber,
	}
}

// Close releases the Frontend's own resources (the PutDbWorker). The
// caller still owns db/store/fileIndex's lifetimes.
func (e *Engine) Close() {
	e.pipeline.Close()
}

func (e *Engine) checkFailBit() error {
	if e.failBit.Load() {
		return kverrors.Corruption.New("engine fail-bit set: refusing further writes after repeated metadb failures")
	}
	return nil
}

func (e *Engine) recordOutcome(err error) {
	if err == nil || !kverrors.Is(err, kverrors.Corruption) {
		e.consecFails.Store(0)
		return
	}
	n := e.consecFails.Add(1)
	if n >= maxConsecutiveMetaDbFailures {
		if !e.failBit.Swap(true) {
			log.WithComponent("frontend").Error().Int32("consecutive_failures", n).Msg("fail-bit set, refusing further writes")
		}
	}
}

// NewTransaction opens a transaction for tenant.
func (e *Engine) NewTransaction(ctx context.Context, tenant types.TenantID) (types.TransID, error) {
	if err := e.checkFailBit(); err != nil {
		return 0, err
	}
	id, err := e.txmanager.NewTransaction(ctx, tenant)
	e.recordOutcome(err)
	return id, err
}

// Finalize commits or finalizes a transaction.
func (e *Engine) Finalize(ctx context.Context, tenant types.TenantID, trans types.TransID, complete bool) error {
	if err := e.checkFailBit(); err != nil {
		return err
	}
	err := e.txmanager.Finalize(ctx, tenant, trans, complete)
	e.recordOutcome(err)
	return err
}

// Put stages and uploads one object version.
func (e *Engine) Put(ctx context.Context, tenant types.TenantID, tkey types.RawKey, trans types.TransID, src io.Reader, size int64, flags blobstore.PutFlags) (bool, int64, error) {
	if err := e.checkFailBit(); err != nil {
		return false, 0, err
	}
	ok, n, err := e.pipeline.Put(ctx, tenant, tkey, trans, src, size, flags)
	e.recordOutcome(err)
	return ok, n, err
}

// Get resolves and fetches one object version.
func (e *Engine) Get(ctx context.Context, tenant types.TenantID, tkey types.RawKey, transid types.TransID, dst io.WriterAt) ([]byte, error) {
	md5sum, err := e.pipeline.Get(ctx, e.db, tenant, tkey, transid, dst)
	e.recordOutcome(err)
	return md5sum, err
}

// Del tombstones a batch of keys.
func (e *Engine) Del(ctx context.Context, tenant types.TenantID, keys []types.RawKey, transid types.TransID) error {
	if err := e.checkFailBit(); err != nil {
		return err
	}
	err := e.pipeline.Del(ctx, tenant, keys, transid)
	e.recordOutcome(err)
	return err
}

// Sync flushes PutDbWorker and BlobStore.
func (e *Engine) Sync(ctx context.Context) error {
	err := e.pipeline.Sync(ctx)
	e.recordOutcome(err)
	return err
}

// GetStats reports the structured telemetry get_stats exposes.
type GetStatsResult struct {
	ActiveTransactions int
	TotalObjects       int64
	TotalSize          int64
	FailBit            bool
	UploadedBytes       uint64
	DownloadedBytes     uint64
}

func (e *Engine) GetStats(ctx context.Context) (GetStatsResult, error) {
	count, size, err := e.db.GetSize(ctx)
	if err != nil {
		return GetStatsResult{}, err
	}
	return GetStatsResult{
		TotalObjects:    count,
		TotalSize:       size,
		FailBit:         e.failBit.Load(),
		UploadedBytes:   e.store.UploadedBytes(),
		DownloadedBytes: e.store.DownloadedBytes(),
	}, nil
}

// MeminfoResult reports process memory stats, the meminfo telemetry call.
type MeminfoResult struct {
	AllocBytes      uint64
	SysBytes        uint64
	NumGoroutine    int
	FileIndexBytes  int
}

func (e *Engine) Meminfo() MeminfoResult {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	res := MeminfoResult{
		AllocBytes:   m.Alloc,
		SysBytes:     m.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}
	if e.fileIndex != nil {
		res.FileIndexBytes = e.fileIndex.MapSize()
	}
	return res
}

// ScrubStats reports the scrub_stats telemetry call.
func (e *Engine) ScrubStats() scrub.Stats {
	if e.scrubber == nil {
		return scrub.Stats{}
	}
	return e.scrubber.Stats()
}

// Stats satisfies metrics.StatsSource so pkg/metrics.Collector can poll
// the engine without importing this package.
func (e *Engine) Stats() metrics.EngineStats {
	ctx := context.Background()
	ids, _ := e.db.GetTransactionIDs(ctx, 0)
	stats := metrics.EngineStats{
		ActiveTransactions: len(ids),
		GenerationByTenant: map[int64]int64{},
	}
	if g, err := e.db.GetGeneration(ctx, 0); err == nil {
		stats.GenerationByTenant[0] = int64(g)
	}
	if e.fileIndex != nil {
		if n, err := e.fileIndex.EntryCount(); err == nil {
			stats.FileIndexEntries = n
		}
	}
	if size, err := e.db.GetUnmirroredObjectsSize(ctx); err == nil {
		stats.MirrorPendingBytes = size
	}
	return stats
}
