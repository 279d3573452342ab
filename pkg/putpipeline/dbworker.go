package putpipeline

import (
	"context"

	"github.com/cloudkv/engine/pkg/log"
	"github.com/cloudkv/engine/pkg/metadb"
	"github.com/cloudkv/engine/pkg/types"
)

type opKind int

const (
	opAddPartial opKind = iota
	opAddTombstone
	opUpdate
	opDeletePartial
	opFlush
)

// dbOp is one record PutDbWorker drains from its channel. Flush is the
// sentinel that lets Sync block until every prior op has been applied.
type dbOp struct {
	kind opKind

	tenant types.TenantID
	trans  types.TransID
	tkey   types.RawKey

	rowid  int64
	md5sum []byte
	size   int64

	rowidOut chan<- int64
	errOut   chan<- error
}

// dbWorker applies every queued mutation from a single goroutine over the
// *metadb.DB it is given, giving the hot put path a single-writer
// discipline without an explicit lock around MetaDb itself. The handle is
// not private: the caller may share it with readers and other writers.
type dbWorker struct {
	db    *metadb.DB
	items chan dbOp
	quit  chan struct{}
	done  chan struct{}
}

func newDBWorker(db *metadb.DB) *dbWorker {
	return &dbWorker{
		db:    db,
		items: make(chan dbOp, 1024),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (w *dbWorker) enqueue(op dbOp) { w.items <- op }

func (w *dbWorker) stop() {
	close(w.quit)
	<-w.done
}

func (w *dbWorker) run() {
	defer close(w.done)
	ctx := context.Background()
	logger := log.WithComponent("putdbworker")

	for {
		select {
		case op := <-w.items:
			w.apply(ctx, op)
		case <-w.quit:
			// Drain anything still queued before exiting.
			for {
				select {
				case op := <-w.items:
					w.apply(ctx, op)
				default:
					logger.Debug().Msg("putdbworker drained, exiting")
					return
				}
			}
		}
	}
}

func (w *dbWorker) apply(ctx context.Context, op dbOp) {
	switch op.kind {
	case opAddPartial:
		rowid, err := w.db.AddPartialObject(ctx, op.tenant, op.trans, op.tkey)
		if err != nil {
			op.errOut <- err
			return
		}
		op.rowidOut <- rowid
	case opAddTombstone:
		_, err := w.db.AddDelMarkerObject(ctx, op.tenant, op.trans, op.tkey)
		op.errOut <- err
	case opUpdate:
		op.errOut <- w.db.UpdateObjectByRowID(ctx, op.rowid, op.md5sum, op.size)
	case opDeletePartial:
		op.errOut <- w.db.DeletePartialObject(ctx, op.rowid)
	case opFlush:
		op.errOut <- nil
	}
}
