// Package scrub implements ScrubWorker: a resumable, parallel integrity
// scanner over every live object, with Balance and Rebuild variants. Only
// Scrub mode uses the parallel producer/consumer machinery; Balance and
// Rebuild walk their inputs from a single goroutine.
package scrub

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cloudkv/engine/pkg/blobstore"
	"github.com/cloudkv/engine/pkg/log"
	"github.com/cloudkv/engine/pkg/metadb"
	"github.com/cloudkv/engine/pkg/metrics"
	"github.com/cloudkv/engine/pkg/types"
)

// Mode selects what a scrub pass does with each object it visits.
type Mode int

const (
	Scrub Mode = iota
	Rebuild
	Balance
)

func (m Mode) String() string {
	switch m {
	case Rebuild:
		return "rebuild"
	case Balance:
		return "balance"
	default:
		return "scrub"
	}
}

// Pauser is the subset of bgworker.Worker Balance needs to hold
// scrub_pause on BackgroundWorker during a shard transition.
type Pauser interface {
	ScrubPause(bool)
}

// Stats reports ScrubWorker's resumable progress as of the last poll.
type Stats struct {
	DoneSize    int64
	TotalSize   int64
	CompletePC  float64
	CurrPaused  bool
	ScrubOKs    int64
	ScrubErrors int64
	Repaired    int64
}

// Worker is the ScrubWorker.
type Worker struct {
	db     *metadb.DB
	store  blobstore.Store
	pauser Pauser
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	cursor  *metadb.ObjectCursor

	doneSize    atomic.Int64
	totalSize   atomic.Int64
	paused      atomic.Bool
	scrubOKs    atomic.Int64
	scrubErrors atomic.Int64
	repaired    atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(db *metadb.DB, store blobstore.Store, pauser Pauser) *Worker {
	return &Worker{
		db:     db,
		store:  store,
		pauser: pauser,
		logger: log.WithComponent("scrubworker"),
	}
}

// Start launches a pass in mode, returning immediately; Stats reports
// progress and Stop requests early termination. Start is a no-op if a
// pass is already running.
func (w *Worker) Start(ctx context.Context, mode Mode, byLastModified bool) bool {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return false
	}
	w.running = true
	w.cursor = w.db.GetInitialObjects(byLastModified)
	w.doneSize.Store(0)
	w.scrubOKs.Store(0)
	w.scrubErrors.Store(0)
	w.repaired.Store(0)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	if count, total, err := w.db.GetSize(ctx); err == nil {
		_ = count
		w.totalSize.Store(total)
	}

	go func() {
		defer close(w.doneCh)
		defer func() {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
		}()

		timer := metrics.NewTimer()
		defer timer.ObserveDuration(metrics.ScrubDuration)

		var err error
		switch mode {
		case Rebuild:
			err = w.runRebuild(ctx)
		case Balance:
			err = w.runBalance(ctx)
		default:
			err = w.runScrub(ctx)
		}
		if err != nil {
			w.logger.Error().Err(err).Str("mode", mode.String()).Msg("scrub pass failed")
		}
	}()
	return true
}

func (w *Worker) Stop() {
	w.mu.Lock()
	running := w.running
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()
	if !running {
		return
	}
	close(stopCh)
	<-doneCh
}

func (w *Worker) Stats() Stats {
	total := w.totalSize.Load()
	done := w.doneSize.Load()
	pc := 0.0
	if total > 0 {
		pc = float64(done) / float64(total) * 100
	}
	return Stats{
		DoneSize:    done,
		TotalSize:   total,
		CompletePC:  pc,
		CurrPaused:  w.paused.Load(),
		ScrubOKs:    w.scrubOKs.Load(),
		ScrubErrors: w.scrubErrors.Load(),
		Repaired:    w.repaired.Load(),
	}
}

// runScrub is the ScrubQueue: one producer draining MetaDb's object
// iterator into a bounded channel, NumScrubParallel consumers each
// re-downloading and rehashing an object against its stored md5sum.
func (w *Worker) runScrub(ctx context.Context) error {
	items := make(chan types.Object, 256)
	var wg sync.WaitGroup

	n := w.store.NumScrubParallel()
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for obj := range items {
				w.scrubOne(ctx, obj)
			}
		}()
	}

	err := w.produce(ctx, items)
	close(items)
	wg.Wait()
	return err
}

func (w *Worker) produce(ctx context.Context, items chan<- types.Object) error {
	for {
		select {
		case <-w.stopCh:
			return nil
		default:
		}
		batch, err := w.db.GetIterObjects(ctx, w.cursor)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, obj := range batch {
			if obj.IsTombstone() {
				continue
			}
			select {
			case items <- obj:
			case <-w.stopCh:
				return nil
			}
		}
	}
}

func (w *Worker) scrubOne(ctx context.Context, obj types.Object) {
	blobKey := types.BlobKey(obj.Tenant, obj.Tkey, obj.TransID)
	sink := &discardAt{}

	// blobstore.Scrub tells the backend to recompute and compare the
	// content hash itself; actualMD5 is what it found on disk.
	actualMD5, status, err := w.store.Get(ctx, string(blobKey), obj.MD5Sum, blobstore.Scrub, sink)
	if err != nil {
		w.scrubErrors.Add(1)
		metrics.ScrubObjectsTotal.WithLabelValues("error").Inc()
		w.logger.Warn().Err(err).Str("key", string(blobKey)).Msg("scrub read failed")
		return
	}
	if status&blobstore.NotFound != 0 {
		w.scrubErrors.Add(1)
		metrics.ScrubObjectsTotal.WithLabelValues("missing").Inc()
		return
	}
	if status&blobstore.Repaired != 0 {
		w.repaired.Add(1)
		metrics.ScrubObjectsTotal.WithLabelValues("repaired").Inc()
	} else if len(obj.MD5Sum) > 0 && len(actualMD5) > 0 && !bytes.Equal(actualMD5, obj.MD5Sum) {
		if status&blobstore.RepairError != 0 {
			w.scrubErrors.Add(1)
			metrics.ScrubObjectsTotal.WithLabelValues("repair_error").Inc()
		} else {
			w.scrubErrors.Add(1)
			metrics.ScrubObjectsTotal.WithLabelValues("mismatch").Inc()
		}
	} else {
		w.scrubOKs.Add(1)
		metrics.ScrubObjectsTotal.WithLabelValues("ok").Inc()
	}

	if obj.Size > 0 {
		w.doneSize.Add(obj.Size)
	}
}

// runRebuild reconciles MetaDb against BlobStore.List: every live MetaDb
// row whose blob key the backend did not list is counted as a scrub error
// and logged. Backend keys with no MetaDb row are only counted as listed;
// they are neither flagged nor deleted.
func (w *Worker) runRebuild(ctx context.Context) error {
	seen := make(map[string]struct{})
	listErr := w.store.List(ctx, func(e blobstore.ListEntry) bool {
		select {
		case <-w.stopCh:
			return false
		default:
		}
		seen[e.Key] = struct{}{}
		w.doneSize.Add(e.Size)
		metrics.ScrubObjectsTotal.WithLabelValues("listed").Inc()
		return true
	})
	if listErr != nil {
		return listErr
	}

	cursor := w.db.GetInitialObjects(false)
	for {
		batch, err := w.db.GetIterObjects(ctx, cursor)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, obj := range batch {
			if obj.IsTombstone() {
				continue
			}
			key := string(types.BlobKey(obj.Tenant, obj.Tkey, obj.TransID))
			if _, ok := seen[key]; !ok {
				w.scrubErrors.Add(1)
				metrics.ScrubObjectsTotal.WithLabelValues("missing_in_backend").Inc()
				w.logger.Warn().Str("key", key).Msg("object row has no backend blob")
				continue
			}
			w.scrubOKs.Add(1)
		}
	}
}

// runBalance re-fetches every live object with the Rebalance flag,
// leaving any change of placement to the backend (it does not re-put
// objects itself), and holds scrub_pause on BackgroundWorker for the
// duration so reclamation cannot delete a key mid-move.
func (w *Worker) runBalance(ctx context.Context) error {
	w.paused.Store(true)
	if w.pauser != nil {
		w.pauser.ScrubPause(true)
		defer w.pauser.ScrubPause(false)
	}
	defer w.paused.Store(false)

	return w.runScrubFlags(ctx, blobstore.Rebalance)
}

func (w *Worker) runScrubFlags(ctx context.Context, extra blobstore.GetFlags) error {
	cursor := w.db.GetInitialObjects(false)
	for {
		select {
		case <-w.stopCh:
			return nil
		default:
		}
		batch, err := w.db.GetIterObjects(ctx, cursor)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, obj := range batch {
			if obj.IsTombstone() {
				continue
			}
			blobKey := types.BlobKey(obj.Tenant, obj.Tkey, obj.TransID)
			sink := &discardAt{}
			_, status, err := w.store.Get(ctx, string(blobKey), obj.MD5Sum, extra, sink)
			if err != nil {
				w.scrubErrors.Add(1)
				continue
			}
			if status&blobstore.Skipped == 0 {
				w.scrubOKs.Add(1)
			}
			if obj.Size > 0 {
				w.doneSize.Add(obj.Size)
			}
		}
	}
}

// discardAt is an io.WriterAt that throws away its input, used when a
// scrub pass only needs BlobStore to exercise its self-check/rebalance
// path, not the object body itself.
type discardAt struct{}

func (discardAt) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }

