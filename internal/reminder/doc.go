// Package reminder runs the periodic reminder pass.
//
// # Pass
//
// A pass is one load → expand → evaluate → mark cycle: read all event
// templates from the store, expand recurrences, and for every occurrence
// that starts inside the due window and has not been delivered yet, invoke
// the notification sink. Successful deliveries are recorded per occurrence
// key in one store write at the end of the pass.
//
// # Delivery semantics
//
// At most one notification per occurrence per data state: once a key is
// marked, later passes skip it. A sink failure leaves the key unmarked, so
// the occurrence is retried on every subsequent pass until it leaves the
// window or the send succeeds. A store failure aborts the whole pass with
// no partial writes; the next tick starts over from a fresh load.
//
// # Scheduling
//
// Passes are driven by robfig/cron. The configured interval accepts either
// a Go duration ("60s") or a cron spec ("*/5 * * * *"). The sink is never
// invoked while a store lock is held, so a slow SMTP server cannot stall
// API requests.
package reminder
