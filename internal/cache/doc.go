// Package cache defines the partitioned response store used by the caching
// engine. A Storage holds any number of named partitions, each a mapping from
// a normalized request Key to an immutable Entry. Backends exist for process
// memory, a plain directory tree (temp file + rename), a bbolt file with one
// bucket per partition, and redis hashes; a ristretto-backed tier can sit in
// front of any of them. Higher layers never see backend details: a lookup in
// a partition that no longer exists is reported as ErrNotFound, the same as a
// missing key.
package cache
