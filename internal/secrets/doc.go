// Package secrets redacts credentials from phase output before it is
// persisted or printed. Detection is backed by the Gitleaks ruleset; a
// project .gitleaks.toml allowlist can exempt known-safe patterns.
package secrets
