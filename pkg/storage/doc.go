/*
Package storage implements the embedded store behind all NodeNexus state.

A single SQLite file (nodenexus.db) holds hosts, raw performance
snapshots, the 1m/1h/1d summaries, monitors and their results, alert
rules, batch command tasks, and renewals. The store exposes two surfaces:
the repository methods call the pool directly (used by the metric writer,
which owns write ordering), and Do wraps a call in a bounded worker pool
so request handlers never pile up on the SQLite writer.

Schema migrations are ordered SQL scripts applied in one transaction at
startup; the applied version is recorded in schema_migrations.

All failures surface as *types.StorageError.
*/
package storage
