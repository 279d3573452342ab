/*
Package metrics defines and registers the engine's Prometheus metrics and
exposes them for scraping.

# Metrics catalog

Frontend:

	cloudkv_puts_total{tenant,result}          counter
	cloudkv_gets_total{tenant,result}          counter
	cloudkv_deletes_total{tenant,result}       counter
	cloudkv_put_duration_seconds               histogram
	cloudkv_get_duration_seconds               histogram

Transactions:

	cloudkv_transactions_active                gauge
	cloudkv_transactions_total{outcome}        counter
	cloudkv_generation_current{tenant}         gauge

Reclamation:

	cloudkv_reclamation_tasks_total{outcome}   counter
	cloudkv_reclaimed_bytes_total              counter
	cloudkv_reclamation_duration_seconds       histogram

Scrub:

	cloudkv_scrub_objects_total{result}        counter
	cloudkv_scrub_duration_seconds             histogram

Mirror:

	cloudkv_mirror_lag_objects                 gauge
	cloudkv_mirror_bytes_total{direction}      counter

BlobStore:

	cloudkv_blobstore_requests_total{op,status}        counter
	cloudkv_blobstore_request_duration_seconds{op}     histogram
	cloudkv_blobstore_retries_total{op}                counter

FileEntryIndex:

	cloudkv_fileindex_entries                  gauge
	cloudkv_fileindex_map_full_total           counter

# Usage

	timer := metrics.NewTimer()
	err := frontend.Put(ctx, tenant, key, body)
	timer.ObserveDuration(metrics.PutDuration)
	metrics.PutsTotal.WithLabelValues(tenantLabel, outcome(err)).Inc()

# Collector

Counters updated inline on every call (puts, gets, deletes) are
set directly from the call site. Gauges that reflect point-in-time state
across the whole engine (active transaction count, generation counters,
file index size) are republished on an interval by Collector, which polls
whatever implements StatsSource — normally pkg/frontend.Engine — to avoid
metrics importing frontend and creating a cycle.

# Health

HealthChecker tracks per-component up/down state (metadb, fileindex,
blobstore) behind HealthHandler/ReadyHandler/LivenessHandler, intended for
a process supervisor or container orchestrator's probes, independent of
whether this module's own CLI exposes a network listener.
*/
package metrics
