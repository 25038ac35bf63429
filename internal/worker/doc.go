// Package worker implements the site's offline-caching worker: a versioned
// unit that precaches a manifest on install, deletes every other cache store
// on activate, and then answers same-origin GET requests cache-first with
// background revalidation of stale documents.
//
// A Container hosts the workers for one origin. It makes registration
// idempotent, activates new versions immediately and hands control of every
// attached client to the newest worker.
package worker
