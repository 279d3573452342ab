/*
Package putpipeline is the engine's ingress path for object writes and
reads: Put stages a partial MetaDb row, uploads to BlobStore, then
finalizes the row; Get resolves a key through the unsynced-key cache or
MetaDb before fetching the blob body; Del inserts tombstones without
touching BlobStore, leaving reclamation to pkg/bgworker.

dbWorker is the PutDbWorker: a single goroutine, using the *metadb.DB
passed to New (not a connection of its own), draining a buffered channel
of {AddPartial, AddTombstone, Update, DeletePartial, Flush} ops so the
hot write path never calls MetaDb's write methods directly. Sync enqueues a Flush and waits for it to
drain before swapping the unsynced-key double buffer under putShared's
write lock.
*/
package putpipeline
