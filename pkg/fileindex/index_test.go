package fileindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudkv/engine/pkg/types"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "idx.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestPutGetRoundTrip(t *testing.T) {
	idx := openTestIndex(t)
	hash := [16]byte{1, 2, 3}

	_, found, err := idx.Get(hash, 100, 1)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, idx.Put(hash, 100, 1, 42, false))

	id, found, err := idx.Get(hash, 100, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(42), id)

	require.Equal(t, int64(1), mustCount(t, idx))
}

func mustCount(t *testing.T, idx *Index) int64 {
	t.Helper()
	n, err := idx.EntryCount()
	require.NoError(t, err)
	return n
}

func TestGetAllClientsAndAnyClient(t *testing.T) {
	idx := openTestIndex(t)
	hash := [16]byte{9, 9, 9}

	require.NoError(t, idx.Put(hash, 50, 1, 1, false))
	require.NoError(t, idx.Put(hash, 50, 2, 2, false))
	require.NoError(t, idx.Put(hash, 50, 3, 3, false))

	clients, err := idx.GetAllClients(hash, 50)
	require.NoError(t, err)
	require.Len(t, clients, 3)
	require.Equal(t, uint64(2), clients[types.TenantID(2)])

	tenant, id, found, err := idx.GetAnyClient(hash, 50)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, clients, tenant)
	require.Equal(t, clients[tenant], id)
}

func TestGetPreferClientFallsBackToNeighbor(t *testing.T) {
	idx := openTestIndex(t)
	hash := [16]byte{5, 5, 5}

	require.NoError(t, idx.Put(hash, 64, 2, 7, false))

	// Tenant 3 has no row of its own, but tenant 2 is its nearest
	// (hash,size) neighbor in key order.
	id, found, err := idx.GetPreferClient(hash, 64, 3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(7), id)
}

func TestDeleteIsNoopWhenAbsent(t *testing.T) {
	idx := openTestIndex(t)
	hash := [16]byte{1}
	require.NoError(t, idx.Delete(hash, 10, 1))

	require.NoError(t, idx.Put(hash, 10, 1, 5, false))
	require.NoError(t, idx.Delete(hash, 10, 1))

	_, found, err := idx.Get(hash, 10, 1)
	require.NoError(t, err)
	require.False(t, found)
}

func TestWriteTransactionCommitAndAbort(t *testing.T) {
	idx := openTestIndex(t)
	hash := [16]byte{2}

	wt, err := idx.StartTransaction()
	require.NoError(t, err)
	require.NoError(t, wt.Put(hash, 20, 1, 11))
	require.NoError(t, idx.CommitTransaction(wt))

	id, found, err := idx.Get(hash, 20, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(11), id)

	wt, err = idx.StartTransaction()
	require.NoError(t, err)
	require.NoError(t, wt.Put(hash, 30, 1, 99))
	require.NoError(t, idx.AbortTransaction(wt))

	_, found, err = idx.Get(hash, 30, 1)
	require.NoError(t, err)
	require.False(t, found)
}

func TestCreateBulkLoadsAndIteratorGroups(t *testing.T) {
	idx := openTestIndex(t)
	hash1 := [16]byte{1}
	hash2 := [16]byte{2}

	entries := []BulkEntry{
		{Hash: hash1, Size: 10, Tenant: 1, EntryID: 1},
		{Hash: hash1, Size: 10, Tenant: 2, EntryID: 2},
		{Hash: hash2, Size: 20, Tenant: 1, EntryID: 3},
	}
	i := 0
	require.NoError(t, idx.Create(func() (BulkEntry, bool, error) {
		if i >= len(entries) {
			return BulkEntry{}, false, nil
		}
		e := entries[i]
		i++
		return e, true, nil
	}))

	it, err := idx.StartIteration()
	require.NoError(t, err)
	defer it.StopIteration()

	group, ok := it.NextBatchSamePrefix()
	require.True(t, ok)
	require.Len(t, group, 2)

	group, ok = it.NextBatchSamePrefix()
	require.True(t, ok)
	require.Len(t, group, 1)

	_, ok = it.NextBatchSamePrefix()
	require.False(t, ok)
}
