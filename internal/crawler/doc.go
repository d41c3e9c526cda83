// Package crawler defines the records, interfaces, and shared policies of the
// ingestion pipeline: URL normalization, domain scoping, robots.txt gating,
// and the retry policy used by the fetch workers.
package crawler
