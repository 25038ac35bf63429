// Package server hosts the Fiber HTTP service that fronts the site origin.
// It owns the middleware chain (panic recovery, request ids, page client ids),
// the shared upstream HTTP client and header filtering helpers that the proxy
// package reuses. Diagnostics live under /-/ and are registered by the routes
// subpackage; every other path is handed to the injected ProxyHandler.
package server
