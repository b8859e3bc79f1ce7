// Package state provides namespaced, versioned key/value persistence with
// checkpoint and restore.
//
// A namespace isolates one workflow instance. Saves are atomic per key and
// idempotent: re-saving an identical value changes nothing. Checkpoints
// snapshot an entire namespace under a strictly increasing sequence number;
// restore replaces the live entries wholesale with a snapshot and appends a
// new checkpoint marking the restore point, so a restore can itself be
// undone.
//
// Three backends satisfy the same Store contract: an in-process map, a
// file-backed store with atomic rewrites, and NATS JetStream key/value
// buckets. Callers select the backend through configuration, never through
// code branches.
package state
