// Package outbox is the offline-first sync core of the Partolog
// contraction tracker.
//
// Every user-initiated mutation is captured as a durable, uniquely and
// chronologically ordered event the instant it occurs, applied
// optimistically to the local read-model, and delivered to the remote
// authority in causal order once connectivity allows. The event's
// identifier doubles as the idempotency key, so a retried submission
// after an ambiguous network failure is never double-applied.
//
// The engine is a library: the application supplies the remote
// Submitter, the read-model Cache and optionally a RefetchFunc, and
// consumes the SyncStatus surface to render pending/failed/syncing
// indicators.
package outbox
