// Package staleness decides whether a cached snapshot is too old to serve
// without refreshing. Resources are split into two classes: static assets,
// which change rarely and are trusted for a day by default, and documents,
// whose threshold is bounded to a few hours.
//
// Classification is a pure function over the request so that the worker and
// the diagnostics routes agree on which threshold applies.
package staleness
