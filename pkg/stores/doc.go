// Package stores persists run history for drover. It provides a
// SQLite store with WAL mode and embedded migrations holding three
// tables: runs, their per-step task results, and a TTL-bounded cache
// of collected host facts. The store satisfies engine.Store so the
// runner writes as it executes, and backs the `drover runs` commands.
package stores
