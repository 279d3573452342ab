package types

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
)

// EncodeKey packs (tenant, tkey, transid) into a single binary string:
// tenant (i64 LE) || transid (i64 LE) || tkey. Two versions of the same
// tkey at different TransID encode to distinct strings.
func EncodeKey(tenant TenantID, tkey RawKey, trans TransID) []byte {
	buf := make([]byte, 8+8+len(tkey))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(tenant))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(trans))
	copy(buf[16:], tkey)
	return buf
}

// PrefixKey derives the key a BlobStore actually sees from an encoded key:
// a base32 digest prefix (for backend sharding), a "/", then the base32
// encoding of the encoded bytes, so it is safe as an S3 object key.
func PrefixKey(encoded []byte) EncodedBlobKey {
	sum := sha256.Sum256(encoded)
	prefix := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:4])
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(encoded)
	return EncodedBlobKey(prefix + "/" + enc)
}

// BlobKey is the composition EncodeKey -> PrefixKey the core calls for
// every put/get/delete against a BlobStore.
func BlobKey(tenant TenantID, tkey RawKey, trans TransID) EncodedBlobKey {
	return PrefixKey(EncodeKey(tenant, tkey, trans))
}
