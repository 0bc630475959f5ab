// Package publish defines the platform abstraction shared by the rest of
// the system: platform identifiers, per-platform content, publish results,
// and a registry that maps platforms to their Publisher implementations.
package publish
