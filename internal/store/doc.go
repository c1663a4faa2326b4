// Package store owns the versioned shared state tree.
//
// Ownership boundary:
// - authoritative single-writer store held by the background zone
// - replica apply rule (strictly increasing versions)
// - durable subset persistence and YAML defaults
//
// Trees cross the API boundary through their JSON encoding, so callers never
// hold a reference to the stored tree.
package store
