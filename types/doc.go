// Package types provides the unified record model and error definitions
// shared by every storage layer in memstore.
//
// A Record is the only unit of persistence: an opaque payload addressed by
// (kind, id). Domain semantics (reward scoring, pattern clustering,
// reflection text) live outside this module and only ever see Records.
package types
