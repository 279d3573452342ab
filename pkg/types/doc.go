/*
Package types defines the core data model shared by every subsystem of the
engine: BlobStore, MetaDb, FileEntryIndex, PutPipeline, TransactionManager,
BackgroundWorker, and ScrubWorker.

# Core types

Transaction, Object and Task mirror MetaDb's three tables; Generation and
Misc round out the small persisted facts MetaDb keeps per tenant.
FileIndexEntry and its Encode/Decode helpers fix the on-disk byte order of
the FileEntryIndex's composite key (hash || size || tenant, tenant
least-significant) so range scans over a fixed (hash, size) enumerate
every tenant holding that content.

# Tombstones

An Object with Size == -1 is a tombstone: it records that a tkey was
deleted as of a given TransID without needing a sentinel type. Object.IsTombstone
is the single place that check lives; every package that walks Object rows
calls it instead of comparing Size directly.
*/
package types
