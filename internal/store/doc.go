// Package store provides the persistence layer for event templates and
// per-occurrence notified state.
//
// It is the single serialization point for all mutations: the HTTP API and
// the reminder scheduler both funnel writes through Store.Mutate /
// Store.MarkNotified, so a load-modify-save cycle can never silently drop a
// concurrent write.
package store
