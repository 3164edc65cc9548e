// Package storage persists reminder occurrences.
//
// Each occurrence is keyed by ownerID/weekday/weekIndex, so regenerating an
// owner's schedule overwrites records instead of appending. Delivery state
// only moves forward: pending to delivered or pending to failed, once.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite (pure Go), WAL, embedded migrations
//   - "file": JSON snapshot plus JSON-lines journal with an in-memory index
package storage
