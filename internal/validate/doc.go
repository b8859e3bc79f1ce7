// Package validate provides pure input validation for workflow execution.
//
// Validators never do I/O and never consult ambient state: the same input
// always produces the same Result. Failures are values, not errors —
// callers inspect Result.Valid and, where available, Result.Suggestion
// for a sanitized replacement.
package validate
