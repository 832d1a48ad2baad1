// Package server hosts the Fiber HTTP service, request middleware chain, and
// site registry glue that maps the Host header onto a configured site. The
// router assigns request IDs, rejects unmapped hosts and hands every matched
// request to an injected SiteHandler. The management API runs on a separate
// listener built by NewAdminApp.
package server
