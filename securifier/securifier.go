// Package securifier implements the DHT's external signing/validation
// collaborator (spec §6 "Securifier contract"): a pair of pure functions,
// sign and verify, that the service layer uses to authenticate stored
// values without the DHT core needing to know anything about key
// management policy.
package securifier

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/opd-ai/kadnet/crypto"
	"github.com/sirupsen/logrus"
)

// ErrWrongKeyLength indicates a signature or public key argument was not the
// expected Ed25519 width.
var ErrWrongKeyLength = errors.New("securifier: wrong key or signature length")

// Securifier signs payloads on behalf of the local node and validates
// payloads signed by remote peers. Implementations must be safe for
// concurrent use.
type Securifier interface {
	// SignerID returns the identifier this securifier signs on behalf of.
	SignerID() crypto.NodeID
	// PublicKey returns the raw public key bytes used to validate this
	// securifier's signatures.
	PublicKey() []byte
	// Sign produces a signature over payload using the local private key.
	Sign(payload []byte) ([]byte, error)
	// Validate reports whether signature is a valid signature over payload
	// under publicKey, as claimed by signerID. ctx is an opaque caller
	// label (e.g. "store", "delete") included only in log output.
	Validate(payload, signature, publicKey []byte, signerID crypto.NodeID, ctx string) bool
}

// Ed25519Securifier implements Securifier using Ed25519 signatures over a
// NaCl crypto_box key pair, grounded on the teacher's crypto.Sign/crypto.Verify
// helpers.
type Ed25519Securifier struct {
	signerID crypto.NodeID
	keys     *crypto.KeyPair
}

// New creates a Securifier that signs as signerID using keys.
func New(signerID crypto.NodeID, keys *crypto.KeyPair) *Ed25519Securifier {
	return &Ed25519Securifier{signerID: signerID, keys: keys}
}

// SignerID returns the identifier this securifier signs on behalf of.
func (s *Ed25519Securifier) SignerID() crypto.NodeID {
	return s.signerID
}

// PublicKey returns the raw 32-byte Ed25519 public key derived from the key
// pair's private half, the key under which Sign's signatures validate.
func (s *Ed25519Securifier) PublicKey() []byte {
	pub := ed25519.NewKeyFromSeed(s.keys.Private[:]).Public().(ed25519.PublicKey)
	out := make([]byte, len(pub))
	copy(out, pub)
	return out
}

// Sign produces an Ed25519 signature over payload.
func (s *Ed25519Securifier) Sign(payload []byte) ([]byte, error) {
	sig, err := crypto.Sign(payload, s.keys.Private)
	if err != nil {
		return nil, fmt.Errorf("securifier: sign: %w", err)
	}
	return sig[:], nil
}

// Validate verifies signature over payload under publicKey. signerID and ctx
// are logged but do not affect the cryptographic result; the caller is
// responsible for deciding whether signerID is trusted to hold publicKey.
func (s *Ed25519Securifier) Validate(payload, signature, publicKey []byte, signerID crypto.NodeID, ctx string) bool {
	logger := logrus.WithFields(logrus.Fields{
		"function":  "Validate",
		"package":   "securifier",
		"signer_id": signerID.Hex(),
		"context":   ctx,
	})

	if len(signature) != crypto.SignatureSize || len(publicKey) != 32 {
		logger.Warn("rejecting signature with malformed lengths")
		return false
	}

	var sig crypto.Signature
	copy(sig[:], signature)
	var pk [32]byte
	copy(pk[:], publicKey)

	ok, err := crypto.Verify(payload, sig, pk)
	if err != nil {
		logger.WithError(err).Debug("signature validation failed")
		return false
	}
	return ok
}
