// Package cache defines the named, versioned response stores the worker
// reads and writes. A Storage holds many stores addressed by name
// ("{site-id}-cache-v{N}"); each store maps a normalized request identity
// (method + absolute URL) to a whole response snapshot. Snapshots are written
// in a single leveldb write so readers never observe a partial entry, and
// every decoded snapshot is verified against its body digest so damaged
// records surface as ErrMalformedEntry instead of corrupt responses.
package cache
