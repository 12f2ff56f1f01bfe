// Package store provides the SQLite-backed durable local store of the
// Check-and-Posting Service.
//
// The store holds checks, check locks, workstation number ranges, the
// outbound sync queue, the config cache, synchronizer cursors and conflict
// records. It is the only shared mutable resource in the process: every
// cross-cutting invariant is enforced by running the read-modify-write
// inside one store transaction (WithTx), never by application mutexes.
//
// # Schema Versioning
//
// The schema_version table holds a single row with the applied version.
// Open runs any outstanding forward-only migrations, each in its own
// transaction together with the version bump, before returning. A store
// that cannot be opened or migrated is a fatal startup condition
// (MigrationError); there is no partially migrated mode.
//
// # Conventions
//
//   - Money columns are INTEGER minor units (model.Cents).
//   - Timestamps are INTEGER unix milliseconds in UTC.
//   - Upserts are explicit: Put* methods look up the row and then insert or
//     update, returning which one happened (UpsertResult).
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: a committed enqueue survives power loss
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//   - _txlock=immediate: every transaction takes the write lock at BEGIN,
//     which serialises read-modify-write sequences
package store
