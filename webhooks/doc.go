// Package webhooks contains guards for institution callbacks delivered
// through the inbound dispatcher.
//
// Verifiers authenticate the transport envelope before any claim is
// taken. The burst controller coalesces repeated callbacks for the same
// consent so a flapping institution does not replay status updates.
package webhooks
