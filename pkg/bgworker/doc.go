/*
Package bgworker implements BackgroundWorker and MirrorWorker.

BackgroundWorker drains DELETE_PASS tasks from MetaDb's tasks table
oldest-first. For each task it collects the keys of the tenant's object
rows superseded at or below the task's trans id into an ObjectCollector,
persists the collector to a task file before touching MetaDb or
BlobStore, deletes the now-unreferenced rows and any transactions left
empty, and hands the collector's streams to BlobStore.Delete. Nothing
reads a persisted collector file back: if the process stops after the
rows are deleted but before BlobStore.Delete succeeds, rerunning the task
does not find those keys again. Three independent atomic flags — pause,
scrub pause, mirror pause — are ORed into one effective pause checked
before each task; a task that has started runs to completion.

MirrorWorker keeps a second BlobStore converged with the primary: a copy
pass reads every object not yet marked mirrored=1 from the primary and
writes it to the mirror, and a delete pass tails the append-only,
CRC32-framed mirror-delete log that BackgroundWorker's collector writes
to whenever it deletes a key whose row had mirrored=1, replaying the same
delete against the mirror. Both passes' cursors (read position into the
log, and which objects remain unmirrored) are durable: the log position
lives in MetaDb's misc table, unmirrored status lives on the object row
itself.
*/
package bgworker
