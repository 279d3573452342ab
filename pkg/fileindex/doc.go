/*
Package fileindex is the FileEntryIndex: an embedded ordered key/value
store mapping (hash, size, tenant) to an opaque entry id, used by the
deduplication layer to find content already present under any tenant.

Keys are ordered lexicographically by types.EncodeFileIndexKey's byte
layout (hash || size || tenant, tenant least-significant), so a range
scan over a fixed (hash,size) prefix enumerates every tenant holding that
content — the basis for GetAnyClient, GetAllClients and the iteration
API used by rebuild/reconciliation passes.

A process-wide RWMutex gates StartTransaction/Create/Put/Delete against
StartIteration, matching the source's store-wide RwLock: any number of
readers proceed concurrently, a writer excludes them all.
*/
package fileindex
