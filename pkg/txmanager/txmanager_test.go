package txmanager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := New(db)

	trans, err := m.NewTransaction(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, m.Finalize(ctx, 1, trans, false))
	require.NoError(t, m.Finalize(ctx, 1, trans, false))

	props, err := db.GetTransactionProperties(ctx, 1, trans)
	require.NoError(t, err)
	require.Equal(t, types.CompletedFinalized, props.Completed)
}

func TestFinalizeCommitQueuesReclamationTask(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := New(db)

	trans, err := m.NewTransaction(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, m.Finalize(ctx, 1, trans, true))

	task, err := db.GetTask(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, types.TaskDeletePass, task.TaskID)
	require.Equal(t, trans, task.TransID)
}

func TestFinalizeCommitAfterFinalizeDoesNotRegress(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := New(db)

	trans, err := m.NewTransaction(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, m.Finalize(ctx, 1, trans, true))
	require.NoError(t, m.Finalize(ctx, 1, trans, false))

	props, err := db.GetTransactionProperties(ctx, 1, trans)
	require.NoError(t, err)
	require.Equal(t, types.CompletedCommitted, props.Completed)
}

func TestGenerationIncRejectsNegative(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := New(db)

	_, err := m.GenerationInc(ctx, 1, -1)
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.Misuse))
}

func TestGenerationIncBumpsTenantAndGlobal(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := New(db)

	g, err := m.GenerationInc(ctx, 2, 5)
	require.NoError(t, err)
	require.Equal(t, types.Generation(5), g)

	global, err := db.GetGeneration(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, types.Generation(5), global)

	g2, err := m.GenerationInc(ctx, 2, 3)
	require.NoError(t, err)
	require.Equal(t, types.Generation(8), g2)

	global, err = db.GetGeneration(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, types.Generation(8), global)
}

func TestSetActiveTransactionsPrunesOthers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := New(db)

	t1, err := m.NewTransaction(ctx, 1)
	require.NoError(t, err)
	t2, err := m.NewTransaction(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, m.SetActiveTransactions(ctx, 1, []types.TransID{t2}))

	require.False(t, mustActive(t, ctx, db, 1, t1))
	require.True(t, mustActive(t, ctx, db, 1, t2))
}

func mustActive(t *testing.T, ctx context.Context, db *metadb.DB, tenant types.TenantID, trans types.TransID) bool {
	t.Helper()
	active, err := db.IsTransactionActive(ctx, tenant, trans)
	require.NoError(t, err)
	return active
}
