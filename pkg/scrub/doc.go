/*
Package scrub implements ScrubWorker's three modes over MetaDb's object
iterator (GetInitialObjects/GetIterObjects). Scrub mode uses a
producer/consumer shape: a single producer walks the iterator and a
bounded number of consumers — NumScrubParallel — do the per-object work.
Rebuild and Balance walk their inputs from a single goroutine.

Scrub mode re-fetches each object with the Scrub GetFlag, which tells the
backend to verify its own content hash, and classifies the result into
scrub_oks, scrub_errors or scrub_repaired. Rebuild mode walks
BlobStore.List, then flags every live MetaDb row whose blob key the
backend did not list; backend keys with no MetaDb row are counted but not
flagged. Balance mode holds scrub_pause on the owning BackgroundWorker
for the duration of a shard transition and re-fetches every object with
the Rebalance flag, trusting the backend to move object placement as a
side effect of the read.

DoneSize/TotalSize/CompletePC are derived from atomic counters polled by
Stats; CurrPaused reflects only Balance's self-imposed pause, not
BackgroundWorker's independent pause flags.
*/
package scrub
