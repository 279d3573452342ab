package scrub

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // test fixture hash, not a security boundary
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudkv/engine/internal/storetest"
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

func putLiveObject(t *testing.T, ctx context.Context, db *metadb.DB, store *storetest.Store, tenant types.TenantID, tkey types.RawKey, body []byte) types.TransID {
	t.Helper()
	trans, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	sum := md5.Sum(body)
	_, err = db.AddObject(ctx, tenant, trans, tkey, sum[:], int64(len(body)))
	require.NoError(t, err)
	_, _, err = store.Put(ctx, string(types.BlobKey(tenant, tkey, trans)), bytes.NewReader(body), int64(len(body)), 0)
	require.NoError(t, err)
	return trans
}

func waitUntilIdle(t *testing.T, w *Worker) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scrub pass did not finish in time")
}

func TestScrubPassOKForMatchingObject(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()
	putLiveObject(t, ctx, db, store, 1, "k", []byte("hello"))

	w := New(db, store, nil)
	require.True(t, w.Start(ctx, Scrub, false))
	waitUntilIdle(t, w)

	stats := w.Stats()
	require.EqualValues(t, 1, stats.ScrubOKs)
	require.Zero(t, stats.ScrubErrors)
}

func TestScrubPassFlagsMD5Mismatch(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()
	tenant := types.TenantID(1)

	trans, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, tenant, trans, "k", []byte("not-the-real-md5-"), 5)
	require.NoError(t, err)
	_, _, err = store.Put(ctx, string(types.BlobKey(tenant, "k", trans)), bytes.NewReader([]byte("hello")), 5, 0)
	require.NoError(t, err)

	w := New(db, store, nil)
	require.True(t, w.Start(ctx, Scrub, false))
	waitUntilIdle(t, w)

	stats := w.Stats()
	require.EqualValues(t, 1, stats.ScrubErrors)
	require.Zero(t, stats.ScrubOKs)
}

func TestStartIsNoopWhileAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()

	w := New(db, store, nil)
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	require.False(t, w.Start(ctx, Scrub, false))
}

func TestRebuildFlagsObjectMissingFromBackend(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()
	tenant := types.TenantID(1)

	trans, err := db.NewTransaction(ctx, tenant)
	require.NoError(t, err)
	sum := md5.Sum([]byte("hello"))
	_, err = db.AddObject(ctx, tenant, trans, "k", sum[:], 5)
	require.NoError(t, err)
	// Deliberately never Put the blob into the store.

	w := New(db, store, nil)
	require.True(t, w.Start(ctx, Rebuild, false))
	waitUntilIdle(t, w)

	stats := w.Stats()
	require.EqualValues(t, 1, stats.ScrubErrors)
}

type fakePauser struct {
	calls []bool
}

func (f *fakePauser) ScrubPause(p bool) { f.calls = append(f.calls, p) }

func TestBalancePausesAndResumesViaPauser(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()
	putLiveObject(t, ctx, db, store, 1, "k", []byte("hello"))

	pauser := &fakePauser{}
	w := New(db, store, pauser)
	require.True(t, w.Start(ctx, Balance, false))
	waitUntilIdle(t, w)

	require.Equal(t, []bool{true, false}, pauser.calls)
}

func TestStopInterruptsAnInFlightPass(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storetest.New()
	for i := 0; i < 50; i++ {
		putLiveObject(t, ctx, db, store, 1, types.RawKey([]byte{byte(i)}), []byte("hello"))
	}

	w := New(db, store, nil)
	require.True(t, w.Start(ctx, Scrub, false))
	w.Stop()

	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	require.False(t, running)
}
