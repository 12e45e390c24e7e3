// Package storage persists jobs, executions and audit log entries.
//
// Backends are selected by name through a small registry (see Register and
// Open). The built-in drivers are an in-memory store, a JSON Lines journal
// with snapshot compaction, and SQL stores for SQLite, PostgreSQL and MySQL
// that share one database/sql implementation and per-dialect migrations.
//
// Timestamps are stored as UTC Unix microseconds.
package storage
