// Package bgworker implements BackgroundWorker: reclamation of superseded
// object rows and their backend blobs, and mirror catch-up, as one
// long-running loop that three independent flags can pause.
package bgworker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudkv/engine/pkg/blobstore"
	"github.com/cloudkv/engine/pkg/collector"
	"github.com/cloudkv/engine/pkg/kverrors"
	"github.com/cloudkv/engine/pkg/log"
	"github.com/cloudkv/engine/pkg/metadb"
	"github.com/cloudkv/engine/pkg/metrics"
	"github.com/cloudkv/engine/pkg/types"
)

// Worker is the BackgroundWorker.
type Worker struct {
	db    *metadb.DB
	store blobstore.Store
	cfg   Config

	pause       atomic.Bool
	scrubPause  atomic.Bool
	mirrorPause atomic.Bool

	startupFinished atomic.Bool
	manualRunMode   atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}
	runCh  chan struct{}

	mirror *Mirror
	logger zerolog.Logger
}

// Config tunes the collector task-file directory and batch sizes.
type Config struct {
	TaskDir       string
	MirrorLogPath string
	StrideSize    int
	PollInterval  time.Duration
	MultiTransDel bool
}

// New builds a Worker. If mirrorStore is non-nil, a MirrorWorker is
// started alongside it backed by the mirror-delete log at
// cfg.MirrorLogPath (defaulting to cfg.TaskDir/mirror-delete.log).
func New(db *metadb.DB, store blobstore.Store, mirrorStore blobstore.Store, cfg Config) (*Worker, error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.StrideSize == 0 {
		cfg.StrideSize = 8192
	}
	w := &Worker{
		db:     db,
		store:  store,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		runCh:  make(chan struct{}, 1),
		logger: log.WithComponent("bgworker"),
	}
	if mirrorStore != nil {
		path := cfg.MirrorLogPath
		if path == "" {
			path = cfg.TaskDir + "/mirror-delete.log"
		}
		mlog, err := OpenMirrorDeleteLog(path)
		if err != nil {
			return nil, err
		}
		w.mirror = NewMirror(db, store, mirrorStore, mlog)
	}
	return w, nil
}

func (w *Worker) Pause(p bool)       { w.pause.Store(p) }
func (w *Worker) ScrubPause(p bool)  { w.scrubPause.Store(p) }
func (w *Worker) MirrorPause(p bool) { w.mirrorPause.Store(p) }

func (w *Worker) effectivePause() bool {
	return w.pause.Load() || w.scrubPause.Load() || w.mirrorPause.Load()
}

// SetManualRunMode disables automatic scheduling; StartBackgroundWorker
// triggers a single pass instead.
func (w *Worker) SetManualRunMode(manual bool) { w.manualRunMode.Store(manual) }

// StartBackgroundWorker requests a single pass, used in manual-run mode.
func (w *Worker) StartBackgroundWorker() {
	select {
	case w.runCh <- struct{}{}:
	default:
	}
}

// Start begins the main loop goroutine (and the mirror worker, if
// configured).
func (w *Worker) Start() {
	go w.run()
	if w.mirror != nil {
		w.mirror.Start()
	}
}

// Stop signals shutdown and waits for the current batch to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
	if w.mirror != nil {
		w.mirror.Stop()
		w.mirror.log.Close()
	}
}

func (w *Worker) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.startupFinished.Store(true)
	w.logger.Info().Msg("background worker started")

	for {
		if w.manualRunMode.Load() {
			select {
			case <-w.runCh:
				w.runCycle()
			case <-w.stopCh:
				// A pass requested before Stop still runs.
				select {
				case <-w.runCh:
					w.runCycle()
				default:
				}
				return
			}
			continue
		}
		select {
		case <-ticker.C:
			w.runCycle()
		case <-w.runCh:
			w.runCycle()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) runCycle() {
	if w.effectivePause() {
		return
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReclamationDuration)

	ctx := context.Background()
	for {
		if w.effectivePause() {
			return
		}
		task, err := w.db.GetTask(ctx, time.Now())
		if err != nil {
			if kverrors.Is(err, kverrors.NotFound) {
				return
			}
			w.logger.Error().Err(err).Msg("fetching next task failed")
			return
		}
		if err := w.processTask(ctx, task); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("task processing failed, will retry later")
			metrics.ReclamationTasksTotal.WithLabelValues("retry").Inc()
			return
		}
		metrics.ReclamationTasksTotal.WithLabelValues("ok").Inc()
	}
}

// processTask implements the §4.6 reclamation semantics for one
// DELETE_PASS task: find transactions eligible for reclamation at or
// below task.TransID, oldest first, delete their superseded object rows
// and queue the corresponding blob keys for deletion.
func (w *Worker) processTask(ctx context.Context, task types.Task) error {
	logger := log.WithTaskID(task.ID)

	// Candidates are every transaction id that could hold a superseded
	// object as of task.TransID: GetDeletableTransactions only reports
	// transactions that already own zero objects, which is never true of
	// a transaction whose superseded row hasn't been deleted yet, so it
	// can't drive the collector below.
	allIDs, err := w.db.GetTransactionIDs(ctx, task.Tenant)
	if err != nil {
		return err
	}
	var candidates []types.TransID
	for _, id := range allIDs {
		if id <= task.TransID {
			candidates = append(candidates, id)
		}
	}

	col := collector.New(task.ID, task.Tenant, w.cfg.StrideSize, -1)
	if w.mirror != nil {
		col.SetMirrorLogger(w.mirror.log)
	}

	var reclaimedBytes int64
	for _, trans := range candidates {
		objs, err := w.db.GetDeletableObjects(ctx, task.Tenant, trans, task.TransID)
		if err != nil {
			return err
		}
		for _, obj := range objs {
			if err := col.Add(trans, obj.Tkey, obj.Mirrored, nil); err != nil {
				return err
			}
			if obj.Size > 0 {
				reclaimedBytes += obj.Size
			}
		}
	}

	taskFile := w.cfg.TaskDir + "/" + collector.NewTaskFilename()
	if err := col.Persist(taskFile); err != nil {
		return kverrors.TransientBackend.New("persisting reclamation collector: %v", err)
	}

	if _, err := w.db.DeleteDeletableObjects(ctx, task.Tenant, task.TransID); err != nil {
		return err
	}
	for _, trans := range candidates {
		if remaining, err := w.db.GetSingleObject(ctx, task.Tenant, trans); err == nil && !remaining {
			if err := w.db.DeleteTransaction(ctx, task.Tenant, trans); err != nil {
				logger.Debug().Err(err).Int64("trans_id", int64(trans)).Msg("transaction not yet empty")
			}
		}
	}

	keys, locInfo := col.FinalizedStreams()
	ok, err := w.store.Delete(ctx, keys, locInfo, w.cfg.MultiTransDel)
	if err != nil {
		if kverrors.Is(err, kverrors.Enospc) {
			metrics.ReclamationTasksTotal.WithLabelValues("enospc").Inc()
		}
		return err
	}
	if !ok {
		return kverrors.TransientBackend.New("blobstore delete reported failure for task %d", task.ID)
	}

	metrics.ReclaimedBytesTotal.Add(float64(reclaimedBytes))
	return w.db.RemoveTask(ctx, task.ID)
}

// StartupFinished reports whether the main loop goroutine launched by
// Start is running; it is set before the first scheduling pass.
func (w *Worker) StartupFinished() bool { return w.startupFinished.Load() }
