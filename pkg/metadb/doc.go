/*
Package metadb is the engine's authoritative ACID index: transactions,
object versions, the deferred task queue, the generation counter and
small durable facts, all backed by sqlite in WAL mode via mattn/go-sqlite3.

MetaDb enforces four invariants on every write path that touches it:
inserting an object requires its transaction to already exist, a
transaction row cannot be deleted while any object still references it,
completed only moves forward (0 -> 1 -> 2), and inactive transactions are
invisible to GetObject resolution.

A *DB holds a single connection (SetMaxOpenConns(1)), so all callers
sharing one handle are serialized on it without an explicit in-process
lock. The hot write path (PutDbWorker) does not open a handle of its own:
it uses the *DB it is given, which cmd/cloudkvctl also hands to the read
path, BackgroundWorker and ScrubWorker.
*/
package metadb
