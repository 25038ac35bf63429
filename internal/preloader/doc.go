// Package preloader is the in-page half of sitecache. An Agent is created for
// each page session: it registers the worker script, watches hover and
// touch-start intent on same-origin links, and issues debounced speculative
// GETs so the worker can warm its cache before the user navigates.
//
// Pages are modelled with golang.org/x/net/html nodes so any HTML document,
// whether served by sitecache or loaded from disk, can drive the agent.
// Prefetching is best-effort. Failures are logged at debug level and never
// returned to the caller.
package preloader
