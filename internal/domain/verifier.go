package domain

import nostr "github.com/nbd-wtf/go-nostr"

// Verifier checks the id and signature of an event.
type Verifier interface {
	Verify(evt *nostr.Event) bool
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(evt *nostr.Event) bool

// Verify calls f.
func (f VerifierFunc) Verify(evt *nostr.Event) bool { return f(evt) }
