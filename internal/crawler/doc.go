// Package crawler drives a paginated listing crawl: the orchestrator state
// machine, the fetch-level and crawl-level retry policies, and the adaptive
// delay applied between pages.
package crawler
