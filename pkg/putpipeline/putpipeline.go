// Package putpipeline is the engine's ingress path: staged writes to
// MetaDb and BlobStore, an unsynced-key cache for read-your-writes before
// the metadata commits, and a dedicated worker serializing MetaDb writes.
package putpipeline

import (
	"context"
	"io"
	"strconv"
	"sync"

	"github.com/cloudkv/engine/pkg/blobstore"
	"github.com/cloudkv/engine/pkg/kverrors"
	"github.com/cloudkv/engine/pkg/metadb"
	"github.com/cloudkv/engine/pkg/metrics"
	"github.com/cloudkv/engine/pkg/types"
)

type unsyncedValue struct {
	transID types.TransID
	md5sum  []byte
	pending bool
}

type tenantKey struct {
	tenant types.TenantID
	tkey   string
}

// Pipeline is the PutPipeline.
type Pipeline struct {
	store blobstore.Store

	unsyncedMu sync.RWMutex
	curr       map[tenantKey]unsyncedValue
	other      map[tenantKey]unsyncedValue

	putShared sync.RWMutex

	worker *dbWorker
}

// New builds a Pipeline over db and store. The caller owns db's lifetime;
// Pipeline spawns its own PutDbWorker goroutine against it.
func New(db *metadb.DB, store blobstore.Store) *Pipeline {
	p := &Pipeline{
		store: store,
		curr:  make(map[tenantKey]unsyncedValue),
		other: make(map[tenantKey]unsyncedValue),
	}
	p.worker = newDBWorker(db)
	go p.worker.run()
	return p
}

// Close stops the PutDbWorker after draining pending items.
func (p *Pipeline) Close() {
	p.worker.stop()
}

func key(tenant types.TenantID, tkey types.RawKey) tenantKey {
	return tenantKey{tenant: tenant, tkey: string(tkey)}
}

// Put stages a new object version: a partial MetaDb row, the unsynced
// cache entry, the BlobStore upload, then the finalizing MetaDb update.
func (p *Pipeline) Put(ctx context.Context, tenant types.TenantID, tkey types.RawKey, trans types.TransID, src io.Reader, size int64, flags blobstore.PutFlags) (bool, int64, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PutDuration)

	blobKey := types.BlobKey(tenant, tkey, trans)

	rowidCh := make(chan int64, 1)
	errCh := make(chan error, 1)
	p.worker.enqueue(dbOp{
		kind: opAddPartial, tenant: tenant, trans: trans, tkey: tkey,
		rowidOut: rowidCh, errOut: errCh,
	})
	var rowid int64
	select {
	case rowid = <-rowidCh:
	case err := <-errCh:
		metrics.PutsTotal.WithLabelValues(tenantLabel(tenant), "error").Inc()
		return false, 0, err
	case <-ctx.Done():
		return false, 0, ctx.Err()
	}

	p.putShared.RLock()
	p.unsyncedMu.Lock()
	p.curr[key(tenant, tkey)] = unsyncedValue{transID: trans, pending: true}
	p.unsyncedMu.Unlock()
	p.putShared.RUnlock()

	md5sum, storedSize, err := p.store.Put(ctx, string(blobKey), src, size, flags)
	if err != nil {
		metrics.PutsTotal.WithLabelValues(tenantLabel(tenant), "error").Inc()
		return false, 0, err
	}

	done := make(chan error, 1)
	p.worker.enqueue(dbOp{
		kind: opUpdate, rowid: rowid, md5sum: md5sum, size: storedSize, errOut: done,
	})
	if err := <-done; err != nil {
		metrics.PutsTotal.WithLabelValues(tenantLabel(tenant), "error").Inc()
		return false, 0, err
	}

	p.unsyncedMu.Lock()
	p.curr[key(tenant, tkey)] = unsyncedValue{transID: trans, md5sum: md5sum}
	p.unsyncedMu.Unlock()

	metrics.PutsTotal.WithLabelValues(tenantLabel(tenant), "ok").Inc()
	return true, storedSize, nil
}

// Get resolves (tenant, tkey) as of transid: first the unsynced cache if
// the backend can read unflushed data, otherwise MetaDb, then fetches the
// blob body into dst.
func (p *Pipeline) Get(ctx context.Context, db *metadb.DB, tenant types.TenantID, tkey types.RawKey, transid types.TransID, dst io.WriterAt) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GetDuration)

	var trans types.TransID
	var md5sum []byte

	p.unsyncedMu.RLock()
	uv, ok := p.curr[key(tenant, tkey)]
	p.unsyncedMu.RUnlock()

	if ok && uv.transID <= transid && p.store.CanReadUnsynced() && !uv.pending {
		trans, md5sum = uv.transID, uv.md5sum
	} else {
		obj, err := db.GetObject(ctx, tenant, tkey, transid)
		if err != nil {
			metrics.GetsTotal.WithLabelValues(tenantLabel(tenant), "not_found").Inc()
			return nil, err
		}
		if obj.IsTombstone() {
			metrics.GetsTotal.WithLabelValues(tenantLabel(tenant), "not_found").Inc()
			return nil, kverrors.NotFound.New("tombstoned: tenant=%d tkey=%q", tenant, tkey)
		}
		trans, md5sum = obj.TransID, obj.MD5Sum
	}

	blobKey := types.BlobKey(tenant, tkey, trans)
	actualMD5, status, err := p.store.Get(ctx, string(blobKey), md5sum, blobstore.Decrypted, dst)
	if err != nil {
		metrics.GetsTotal.WithLabelValues(tenantLabel(tenant), "error").Inc()
		return nil, err
	}
	if status&blobstore.NotFound != 0 {
		metrics.GetsTotal.WithLabelValues(tenantLabel(tenant), "not_found").Inc()
		return nil, kverrors.NotFound.New("blob missing for %s", blobKey)
	}
	metrics.GetsTotal.WithLabelValues(tenantLabel(tenant), "ok").Inc()
	return actualMD5, nil
}

// Del inserts a tombstone for each key; actual blob removal happens later
// via BackgroundWorker reclamation.
func (p *Pipeline) Del(ctx context.Context, tenant types.TenantID, keys []types.RawKey, transid types.TransID) error {
	for _, k := range keys {
		done := make(chan error, 1)
		p.worker.enqueue(dbOp{kind: opAddTombstone, tenant: tenant, trans: transid, tkey: k, errOut: done})
		if err := <-done; err != nil {
			return err
		}
	}
	metrics.DeletesTotal.WithLabelValues(tenantLabel(tenant), "ok").Add(float64(len(keys)))
	return nil
}

// Reset forgets a key's pending partial state after a failed put.
func (p *Pipeline) Reset(ctx context.Context, tenant types.TenantID, tkey types.RawKey, rowid int64) error {
	done := make(chan error, 1)
	p.worker.enqueue(dbOp{kind: opDeletePartial, rowid: rowid, errOut: done})
	if err := <-done; err != nil {
		return err
	}
	p.unsyncedMu.Lock()
	delete(p.curr, key(tenant, tkey))
	p.unsyncedMu.Unlock()
	return nil
}

// Sync drains PutDbWorker, flushes BlobStore, and swaps the unsynced-key
// double buffer so the next reader generation sees a clean cache.
func (p *Pipeline) Sync(ctx context.Context) error {
	p.putShared.Lock()
	defer p.putShared.Unlock()

	done := make(chan error, 1)
	p.worker.enqueue(dbOp{kind: opFlush, errOut: done})
	if err := <-done; err != nil {
		return err
	}

	if err := p.store.Sync(ctx, false); err != nil {
		return err
	}

	p.unsyncedMu.Lock()
	p.other, p.curr = p.curr, p.other
	for k := range p.other {
		delete(p.other, k)
	}
	p.unsyncedMu.Unlock()
	return nil
}

// SyncDB is the MetaDb-only variant of Sync, skipping the BlobStore
// roundtrip.
func (p *Pipeline) SyncDB(ctx context.Context) error {
	done := make(chan error, 1)
	p.worker.enqueue(dbOp{kind: opFlush, errOut: done})
	return <-done
}

func tenantLabel(tenant types.TenantID) string {
	if tenant == 0 {
		return "default"
	}
	return strconv.FormatInt(int64(tenant), 10)
}
