// Package dedupe remembers the outcome of idempotent requests so that a
// client retrying with the same idempotency key gets the original answer
// instead of publishing the same goal twice.
package dedupe
