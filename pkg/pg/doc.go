// Package pg provides PostgreSQL connection pooling, migration running and
// error classification helpers shared by the persistence layers.
package pg
