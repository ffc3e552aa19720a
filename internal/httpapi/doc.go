// Package httpapi puts the idempotency coordinator in front of HTTP write
// handlers, as gin, echo or plain net/http (chi) middleware.
//
// For each write request the middleware reads the body, resolves the tenant
// and runs Coordinator.Begin. A replay writes the stored response with the
// Idempotent-Replayed marker; conflicts, in-progress claims, validation
// failures and an unreachable store become JSON error responses. On PROCEED
// the handler runs against a buffering writer, the claim is completed with
// whatever the handler produced (error responses and panics included), and
// only then is the response released to the client.
package httpapi
