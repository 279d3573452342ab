package bgworker

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudkv/engine/internal/storetest"
	"github.com/cloudkv/engine/pkg/kverrors"
	"github.com/cloudkv/engine/pkg/metadb"
	"github.com/cloudkv/engine/pkg/types"
)

func openTestDB(t *testing.T) *metadb.DB {
	t.Helper()
	db, err := metadb.Open(filepath.Join(t.TempDir(), "meta.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProcessTaskReclaimsSupersededObjectAndBlob(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()
	tenant := types.TenantID(1)

	t1, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	_, _, err = store.Put(ctx, string(types.BlobKey(tenant, "k", t1)), bytes.NewReader([]byte("aaaa")), 4, 0)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, tenant, t1, types.RawKey("k"), []byte("aaaa"), 4)
	require.NoError(t, err)
	require.NoError(t, db.SetTransactionComplete(ctx, tenant, t1, types.CompletedCommitted))

	t2, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, tenant, t2, types.RawKey("k"), []byte("bbbbbbbb"), 8)
	require.NoError(t, err)
	require.NoError(t, db.SetTransactionComplete(ctx, tenant, t2, types.CompletedCommitted))

	taskID, err := db.AddTask(ctx, types.TaskDeletePass, t2, tenant, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	task, err := db.GetTask(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, taskID, task.ID)

	w, err := New(db, store, nil, Config{TaskDir: t.TempDir(), StrideSize: 10})
	require.NoError(t, err)

	require.NoError(t, w.processTask(ctx, task))

	require.False(t, store.Has(string(types.BlobKey(tenant, "k", t1))))

	remaining, err := db.GetSingleObject(ctx, tenant, t1)
	require.NoError(t, err)
	require.False(t, remaining)

	_, err = db.GetTask(ctx, time.Now())
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.NotFound))
}

func TestPauseSuppressesRunCycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()
	tenant := types.TenantID(1)

	t1, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	_, err = db.AddTask(ctx, types.TaskDeletePass, t1, tenant, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	w, err := New(db, store, nil, Config{TaskDir: t.TempDir()})
	require.NoError(t, err)
	w.Pause(true)

	w.runCycle()

	_, err = db.GetTask(ctx, time.Now())
	require.NoError(t, err, "task should remain queued while paused")
}

func TestMirrorDeleteLogAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.log")
	log, err := OpenMirrorDeleteLog(path)
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.LogDelete(types.EncodedBlobKey("key-a")))
	require.NoError(t, log.LogDelete(types.EncodedBlobKey("key-b")))

	var got []string
	pos, err := log.ReadFrom(0, func(k types.EncodedBlobKey) error {
		got = append(got, string(k))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"key-a", "key-b"}, got)
	require.Greater(t, pos, int64(0))
}

func TestMirrorDeleteLogTruncatedTrailingRecordIsTolerated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.log")
	log, err := OpenMirrorDeleteLog(path)
	require.NoError(t, err)

	require.NoError(t, log.LogDelete(types.EncodedBlobKey("key-a")))
	goodSize := log.wpos

	require.NoError(t, log.LogDelete(types.EncodedBlobKey("key-b")))
	require.NoError(t, log.f.Truncate(goodSize+6))
	require.NoError(t, log.Close())

	log2, err := OpenMirrorDeleteLog(path)
	require.NoError(t, err)
	defer log2.Close()

	var got []string
	pos, err := log2.ReadFrom(0, func(k types.EncodedBlobKey) error {
		got = append(got, string(k))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"key-a"}, got)
	require.Equal(t, goodSize, pos)
}
