/*
Package frontend is the Frontend: the composition root binding
PutPipeline and TransactionManager into the put/get/del/new_transaction/
finalize surface clients call, plus the telemetry trio (GetStats,
Meminfo, ScrubStats) that stands in for a boolean return from every
mutation.

Engine tracks consecutive MetaDb-classified (kverrors.Corruption) failures
across Put/Get/Del/NewTransaction/Finalize/Sync. Once maxConsecutiveMetaDbFailures
is reached it sets an atomic fail-bit and every subsequent mutating call is
rejected until the process restarts — there is no automatic recovery path,
matching the spec's "refuses further writes" rather than a retry policy
that could paper over a diverging MetaDb.
*/
package frontend
