// Package recovery categorizes failures and applies bounded retry and
// fallback strategies.
//
// Every failure is classified into one category of a closed taxonomy, and
// each category carries one strategy: apply a validator suggestion, restore
// a checkpoint, pass through an empty discovery result, retry with an
// extended timeout, or retry with exponential backoff. Attempt counts are
// capped so handling always terminates, and every outcome — success,
// accepted fallback, or unrecoverable — is a typed value; callers never
// distinguish degraded success from failure through panics.
package recovery
