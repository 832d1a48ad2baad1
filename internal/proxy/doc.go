// Package proxy adapts Fiber requests to the caching engine: it rebuilds the
// absolute origin URL for a matched site, dispatches it, and maps engine
// failures onto HTTP error bodies.
package proxy
