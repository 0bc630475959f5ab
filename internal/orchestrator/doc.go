// Package orchestrator drives queue items through the publication state
// machine: approval gating for manual items, per-platform publish attempts
// with panic isolation, outcome classification, and retry scheduling with
// backoff.
package orchestrator
