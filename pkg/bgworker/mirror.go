package bgworker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudkv/engine/pkg/blobstore"
	"github.com/cloudkv/engine/pkg/log"
	"github.com/cloudkv/engine/pkg/metadb"
	"github.com/cloudkv/engine/pkg/metrics"
	"github.com/cloudkv/engine/pkg/types"
)

const (
	miscMirrorWPos = "backend_mirror_del_log_wpos"
	miscMirrorRPos = "backend_mirror_del_log_rpos"
)

// Mirror is the MirrorWorker: it copies newly-written objects to a second
// BlobStore and replays deletes recorded in the mirror-delete log so the
// mirror eventually converges on the primary's live set.
type Mirror struct {
	db          *metadb.DB
	primary     blobstore.Store
	mirrorStore blobstore.Store
	log         *MirrorDeleteLog

	pollInterval time.Duration
	stopCh       chan struct{}
	doneCh       chan struct{}
	logger       zerolog.Logger
}

func NewMirror(db *metadb.DB, primary, mirrorStore blobstore.Store, mlog *MirrorDeleteLog) *Mirror {
	return &Mirror{
		db:           db,
		primary:      primary,
		mirrorStore:  mirrorStore,
		log:          mlog,
		pollInterval: 15 * time.Second,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		logger:       log.WithComponent("mirrorworker"),
	}
}

func (m *Mirror) Start() { go m.run() }

func (m *Mirror) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Mirror) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			if err := m.copyPass(ctx); err != nil {
				m.logger.Error().Err(err).Msg("mirror copy pass failed")
			}
			if err := m.deletePass(ctx); err != nil {
				m.logger.Error().Err(err).Msg("mirror delete replay failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

// copyPass mirrors every object not yet marked mirrored=1: read the body
// from the primary store, write it to the mirror store under the same
// key, then flip the MetaDb flag.
func (m *Mirror) copyPass(ctx context.Context) error {
	objs, err := m.db.GetUnmirroredObjects(ctx)
	if err != nil {
		return err
	}
	metrics.MirrorLagObjects.Set(float64(len(objs)))

	for _, obj := range objs {
		if obj.IsTombstone() {
			if err := m.db.SetObjectMirrored(ctx, obj.RowID); err != nil {
				m.logger.Warn().Err(err).Msg("marking tombstone mirrored failed")
			}
			continue
		}
		blobKey := types.BlobKey(obj.Tenant, obj.Tkey, obj.TransID)

		buf := newMemSink(obj.Size)
		md5sum, status, err := m.primary.Get(ctx, string(blobKey), obj.MD5Sum, blobstore.Decrypted, buf)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", string(blobKey)).Msg("mirror read from primary failed")
			continue
		}
		if status&blobstore.NotFound != 0 {
			continue
		}
		if _, _, err := m.mirrorStore.Put(ctx, string(blobKey), buf.reader(), int64(buf.len()), blobstore.AlreadyCompressedEncrypted); err != nil {
			m.logger.Warn().Err(err).Str("key", string(blobKey)).Msg("mirror write failed")
			continue
		}
		metrics.MirrorBytesTotal.WithLabelValues("out").Add(float64(buf.len()))
		_ = md5sum

		if err := m.db.SetObjectMirrored(ctx, obj.RowID); err != nil {
			m.logger.Warn().Err(err).Msg("marking object mirrored failed")
		}
	}
	return nil
}

// deletePass replays mirror-delete log entries written since the last
// persisted read position against the mirror store.
func (m *Mirror) deletePass(ctx context.Context) error {
	rposStr, err := m.db.GetMiscValue(ctx, miscMirrorRPos)
	var rpos int64
	if err == nil {
		rpos = parsePos(rposStr)
	}

	newPos, err := m.log.ReadFrom(rpos, func(key types.EncodedBlobKey) error {
		ks := &singleKeyStream{key: string(key)}
		_, err := m.mirrorStore.Delete(ctx, ks, nil, true)
		return err
	})
	if err != nil {
		return err
	}
	if newPos != rpos {
		return m.db.SetMiscValue(ctx, miscMirrorRPos, formatPos(newPos))
	}
	return nil
}

// singleKeyStream adapts one key into a blobstore.KeyStream for a
// single-entry Delete call during mirror-log replay.
type singleKeyStream struct {
	key  string
	done bool
}

func (s *singleKeyStream) Next(dst *string) bool {
	if s.done {
		return false
	}
	*dst = s.key
	s.done = true
	return true
}
func (s *singleKeyStream) Reset() { s.done = false }
func (s *singleKeyStream) Clear() {}
