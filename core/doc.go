// Package core contains the multibank domain contracts, entities, and the
// token, consent and aggregation orchestration. Institution-specific
// adapters and transports depend on this package; core must not depend on
// them.
package core
