package putpipeline

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

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

func TestPutGetRoundTripThroughMetaDbAndStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()

	p := New(db, store)
	defer p.Close()

	tenant := types.TenantID(1)
	trans, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)

	ok, n, err := p.Put(ctx, tenant, types.RawKey("k"), trans, bytes.NewReader([]byte("hello world")), 11, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(11), n)

	dst := &storetest.WriterAtBuffer{}
	md5sum, err := p.Get(ctx, db, tenant, types.RawKey("k"), trans, dst)
	require.NoError(t, err)
	require.NotEmpty(t, md5sum)
	require.Equal(t, "hello world", string(dst.Bytes()))
}

func TestGetResolvesUnsyncedWriteBeforeSync(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()
	store.CanReadUnsyncedFlag = true

	p := New(db, store)
	defer p.Close()

	tenant := types.TenantID(1)
	trans, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)

	_, _, err = p.Put(ctx, tenant, types.RawKey("k"), trans, bytes.NewReader([]byte("data")), 4, 0)
	require.NoError(t, err)

	dst := &storetest.WriterAtBuffer{}
	_, err = p.Get(ctx, db, tenant, types.RawKey("k"), trans, dst)
	require.NoError(t, err)
	require.Equal(t, "data", string(dst.Bytes()))
}

func TestDelTombstonesMakeGetNotFound(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()

	p := New(db, store)
	defer p.Close()

	tenant := types.TenantID(1)
	trans, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	_, _, err = p.Put(ctx, tenant, types.RawKey("k"), trans, bytes.NewReader([]byte("data")), 4, 0)
	require.NoError(t, err)

	delTrans, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	require.NoError(t, p.Del(ctx, tenant, []types.RawKey{"k"}, delTrans))

	dst := &storetest.WriterAtBuffer{}
	_, err = p.Get(ctx, db, tenant, types.RawKey("k"), delTrans, dst)
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.NotFound))
}

func TestSyncSwapsUnsyncedGenerations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()

	p := New(db, store)
	defer p.Close()

	tenant := types.TenantID(1)
	trans, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	_, _, err = p.Put(ctx, tenant, types.RawKey("k"), trans, bytes.NewReader([]byte("data")), 4, 0)
	require.NoError(t, err)

	require.NoError(t, p.Sync(ctx))

	p.unsyncedMu.RLock()
	_, stillCurr := p.curr[key(tenant, types.RawKey("k"))]
	p.unsyncedMu.RUnlock()
	require.False(t, stillCurr)
}

func TestResetForgetsPendingPartial(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()

	p := New(db, store)
	defer p.Close()

	tenant := types.TenantID(1)
	trans, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)

	rowid, err := db.AddPartialObject(ctx, tenant, trans, types.RawKey("k"))
	require.NoError(t, err)

	p.unsyncedMu.Lock()
	p.curr[key(tenant, types.RawKey("k"))] = unsyncedValue{transID: trans, pending: true}
	p.unsyncedMu.Unlock()

	require.NoError(t, p.Reset(ctx, tenant, types.RawKey("k"), rowid))

	p.unsyncedMu.RLock()
	_, ok := p.curr[key(tenant, types.RawKey("k"))]
	p.unsyncedMu.RUnlock()
	require.False(t, ok)
}
