// Package progress carries crawl and export milestones from the goroutine doing
// the work to whoever is watching: the run store behind the HTTP API, the log,
// and Prometheus. Emit never blocks; events are batched on a background
// goroutine and handed to sinks.
package progress
