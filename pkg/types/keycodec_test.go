package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeKeyDistinguishesTransactions(t *testing.T) {
	a := EncodeKey(1, RawKey("file.txt"), 1)
	b := EncodeKey(1, RawKey("file.txt"), 2)
	require.NotEqual(t, a, b)

	c := EncodeKey(2, RawKey("file.txt"), 1)
	require.NotEqual(t, a, c)
}

func TestBlobKeyIsStableAndCollisionFree(t *testing.T) {
	k1 := BlobKey(1, RawKey("a"), 1)
	k2 := BlobKey(1, RawKey("a"), 1)
	require.Equal(t, k1, k2)

	k3 := BlobKey(1, RawKey("b"), 1)
	require.NotEqual(t, k1, k3)
}

func TestPrefixKeyShardsWithBase32Prefix(t *testing.T) {
	encoded := EncodeKey(1, RawKey("a"), 1)
	blobKey := PrefixKey(encoded)

	require.Contains(t, string(blobKey), "/")
}

func TestFileIndexKeyRoundTrip(t *testing.T) {
	hash := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	key := EncodeFileIndexKey(hash, 12345, 7)
	require.Len(t, key, 28)

	gotHash, gotSize, gotTenant := DecodeFileIndexKey(key)
	require.Equal(t, hash, gotHash)
	require.Equal(t, int64(12345), gotSize)
	require.Equal(t, TenantID(7), gotTenant)
}

func TestHashSizePrefixIsKeyPrefix(t *testing.T) {
	hash := [16]byte{9}
	key := EncodeFileIndexKey(hash, 100, 3)
	prefix := HashSizePrefix(hash, 100)

	require.Len(t, prefix, 24)
	require.Equal(t, prefix, key[:24])
}

func TestMD5InfoSumAndLocInfo(t *testing.T) {
	info := MD5Info(append(make([]byte, 16), []byte("loc")...))
	require.Len(t, info.Sum(), 16)
	require.Equal(t, []byte("loc"), info.LocInfo())

	short := MD5Info([]byte{1, 2, 3})
	require.Nil(t, short.Sum())
	require.Nil(t, short.LocInfo())
}

func TestObjectIsTombstone(t *testing.T) {
	require.True(t, Object{Size: -1}.IsTombstone())
	require.False(t, Object{Size: 4}.IsTombstone())
}
