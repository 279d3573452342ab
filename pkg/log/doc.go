/*
Package log provides structured logging for the engine using zerolog.

It wraps zerolog to give every subsystem (blobstore, metadb, fileindex,
putpipeline, txmanager, bgworker, scrub) a component-scoped child logger
from one process-wide instance, initialized once via Init.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	blobLog := log.WithComponent("blobstore")
	blobLog.Info().Str("key", key).Msg("put accepted")

	txLog := log.WithTransaction(transID)
	txLog.Warn().Err(err).Msg("finalize retried")

# Design

The global Logger is package state, the same way the teacher's logging
package and this module's metrics registry are: ambient infrastructure
every package reaches for directly rather than threading through
constructors. Domain state (Engine, Frontend, workers) is never global —
see pkg/frontend.
*/
package log
