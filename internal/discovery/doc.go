// Package discovery produces reproducible sets of relevant artifact paths
// for a task description.
//
// Four strategies run as an ordered chain, first success wins: a memory
// index of prior discoveries, structural filename-and-content search, a
// minimal filename-only listing, and an empty-but-valid terminal level.
// The chain never fails for discovery reasons; only context cancellation
// surfaces as an error.
//
// Every result list is sorted lexicographically and every sampling step
// seeds its generator from a hash of the task description and candidate
// count, never the clock, so identical inputs always yield byte-identical
// file lists.
package discovery
