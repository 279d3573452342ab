package metadb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudkv/engine/pkg/kverrors"
	"github.com/cloudkv/engine/pkg/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "meta.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewTransactionMonotonic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id1, err := db.NewTransaction(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.TransID(1), id1)

	id2, err := db.NewTransaction(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.TransID(2), id2)

	// A different tenant starts its own sequence.
	id3, err := db.NewTransaction(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, types.TransID(1), id3)
}

func TestObjectVisibilityAcrossTransactions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tenant := types.TenantID(1)

	t1, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, tenant, t1, types.RawKey("k"), []byte("aaaa"), 4)
	require.NoError(t, err)

	t2, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, tenant, t2, types.RawKey("k"), []byte("bbbb"), 8)
	require.NoError(t, err)

	// As of t1, only the first version is visible.
	obj, err := db.GetObject(ctx, tenant, types.RawKey("k"), t1)
	require.NoError(t, err)
	require.Equal(t, t1, obj.TransID)
	require.Equal(t, int64(4), obj.Size)

	// As of t2, the newer version wins.
	obj, err = db.GetObject(ctx, tenant, types.RawKey("k"), t2)
	require.NoError(t, err)
	require.Equal(t, t2, obj.TransID)
	require.Equal(t, int64(8), obj.Size)
}

func TestGetObjectNotFound(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.GetObject(ctx, 1, types.RawKey("missing"), 1)
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.NotFound))
}

func TestDeletableObjectsAndDeletableTransactions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tenant := types.TenantID(1)

	t1, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	rowid, err := db.AddObject(ctx, tenant, t1, types.RawKey("k"), []byte("aaaa"), 4)
	require.NoError(t, err)
	require.NoError(t, db.SetTransactionComplete(ctx, tenant, t1, types.CompletedCommitted))

	t2, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, tenant, t2, types.RawKey("k"), []byte("bbbb"), 8)
	require.NoError(t, err)
	require.NoError(t, db.SetTransactionComplete(ctx, tenant, t2, types.CompletedCommitted))

	objs, err := db.GetDeletableObjects(ctx, tenant, t1, t2)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	require.Equal(t, rowid, objs[0].RowID)
	require.Equal(t, types.RawKey("k"), objs[0].Tkey)

	n, err := db.DeleteDeletableObjects(ctx, tenant, t2)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// t1 no longer has any referencing objects, so it's now deletable.
	ids, err := db.GetDeletableTransactions(ctx, tenant, t2+1)
	require.NoError(t, err)
	require.Contains(t, ids, t1)

	require.NoError(t, db.DeleteTransaction(ctx, tenant, t1))
}

func TestDeleteTransactionRefusesWhileReferenced(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tenant := types.TenantID(1)

	t1, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, tenant, t1, types.RawKey("k"), []byte("aaaa"), 4)
	require.NoError(t, err)

	err = db.DeleteTransaction(ctx, tenant, t1)
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.Misuse))
}

func TestGenerationIncIsCumulative(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	g, err := db.GenerationInc(ctx, 1, 3)
	require.NoError(t, err)
	require.Equal(t, types.Generation(3), g)

	g, err = db.GenerationInc(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, types.Generation(5), g)

	got, err := db.GetGeneration(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, types.Generation(5), got)
}

func TestTaskLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.AddTask(ctx, types.TaskDeletePass, 1, 1, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NotZero(t, id)

	task, err := db.GetTask(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, id, task.ID)
	require.Equal(t, types.TaskDeletePass, task.TaskID)

	require.NoError(t, db.RemoveTask(ctx, id))

	_, err = db.GetTask(ctx, time.Now())
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.NotFound))
}

func TestMiscValueRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.GetMiscValue(ctx, "absent")
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.NotFound))

	require.NoError(t, db.SetMiscValue(ctx, "k", "v1"))
	v, err := db.GetMiscValue(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v1", v)

	require.NoError(t, db.SetMiscValue(ctx, "k", "v2"))
	v, err = db.GetMiscValue(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v2", v)
}

func TestUnmirroredObjectsExcludesTombstonesByNullSize(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tenant := types.TenantID(1)

	t1, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, tenant, t1, types.RawKey("live"), []byte("aaaa"), 4)
	require.NoError(t, err)
	_, err = db.AddPartialObject(ctx, tenant, t1, types.RawKey("partial"))
	require.NoError(t, err)

	objs, err := db.GetUnmirroredObjects(ctx)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	require.Equal(t, types.RawKey("live"), objs[0].Tkey)
}

func TestIterObjectsPaginatesToCompletion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tenant := types.TenantID(1)

	trans, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := db.AddObject(ctx, tenant, trans, types.RawKey([]byte{byte('a' + i)}), []byte("aaaa"), 4)
		require.NoError(t, err)
	}

	cur := db.GetInitialObjects(false)
	var seen int
	for {
		batch, err := db.GetIterObjects(ctx, cur)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		seen += len(batch)
	}
	require.Equal(t, 5, seen)
}
