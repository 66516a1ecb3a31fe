// Package events emits pipeline run lifecycle events to an external
// webhook endpoint. Payloads are signed with HMAC-SHA256 so receivers can
// verify origin. Emission is best-effort; a dead receiver never blocks
// scheduling.
//
// Verify signature (receiver side):
//
//	sig := r.Header.Get("X-Conveyor-Signature")
//	if !events.VerifySignature(body, sig, secret) {
//		return errors.New("invalid signature")
//	}
package events
