// Package cache shields the Fleet API from redundant reads of the same vehicle.
//
// A [Cache] maps caller-constructed keys (e.g., "dashboard-<vin>") to values with a fixed
// time-to-live. An entry is fresh for TTL after it was inserted. Expired entries are removed
// lazily: the first read after expiry deletes the entry and reports a miss. There is no background
// sweep, so memory use is bounded only by key churn.
//
// The cache makes no consistency promises beyond "at most TTL stale". Concurrent writers for the
// same key simply overwrite each other.
//
// A Cache can be written to disk with [Cache.ExportToFile] and loaded again with
// [ImportFromFile], which lets short-lived command-line processes share cached vehicle data.
package cache
