// Package sqlite contains the SQLite repository for depth inference runs.
//
// Tracking runs, their per-frame filter statistics and recognition
// rankings are persisted here rather than in the inference layers
// (L1-L6), which stay free of SQL. The schema is owned by the embedded
// golang-migrate migrations.
package sqlite
