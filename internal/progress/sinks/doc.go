// Package sinks implements progress consumers: structured logging, Prometheus
// run metrics, and the run store that backs the HTTP status endpoints.
package sinks
