// Package inbound receives institution-originated callbacks, such as the
// out-of-band approval or rejection of a consent request.
//
// Callbacks go through claim/complete/fail idempotency so transient handler
// failures remain retryable while replays of a settled callback are dropped.
package inbound
