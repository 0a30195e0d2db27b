// Package dedupe provides a thread-safe, TTL and size bounded cache.
//
// The gatekeeper uses it to remember recent admission decisions by request
// ID, so a transport retrying the same unit of work gets the original
// decision back instead of consuming quota twice. Entries expire after the
// TTL; when the cache is full the least recently written entry is evicted.
// A background goroutine reclaims expired entries until Close is called.
package dedupe
