package verify

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/minio/sha256-simd"
	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/murachue/nosteen-sub000/internal/domain"
	"github.com/murachue/nosteen-sub000/internal/metrics"
)

// SchnorrVerifier recomputes the event id and checks the BIP-340 signature over it.
type SchnorrVerifier struct{}

var _ domain.Verifier = SchnorrVerifier{}

// Verify reports whether evt's id matches its content and sig is valid for pubkey.
func (SchnorrVerifier) Verify(evt *nostr.Event) bool {
	metrics.IncrementVerified()

	hash := sha256.Sum256(evt.Serialize())
	if hex.EncodeToString(hash[:]) != evt.ID {
		return false
	}

	pkBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(hash[:], pk)
}
