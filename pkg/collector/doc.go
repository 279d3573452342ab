/*
Package collector implements ObjectCollector: a persisted, chunked,
zlib-compressed batch of backend keys (and optional location infos)
queued for BlobStore deletion, sized to hold millions of entries without
holding them all decompressed in memory at once.

# On-disk format

Persist writes the magic string "OBJECTCOLLECTOR", a little-endian u32
header length, the varint-encoded header (task id, completion/active
state, transaction ids, chunk directory), an MD5 checksum of the header,
then the chunks' compressed bytes back to back: all key chunks, then all
location-info chunks. Load verifies the checksum before trusting the
chunk directory.

# Streaming

FinalizedStreams exposes the chunk set as the Next/Reset/Clear streams
blobstore.Store.Delete consumes. Reset rewinds a chunk for retry without
re-reading it from disk; Clear drops its decompressed bytes once the
backend has durably deleted every key in it.
*/
package collector
