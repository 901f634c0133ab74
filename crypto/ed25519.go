package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature is an Ed25519 signature, as produced by Sign and checked by
// Verify on behalf of the securifier contract.
//
//export KadSignature
type Signature [SignatureSize]byte

// Sign signs message with the Ed25519 key derived from the given 32-byte
// seed (such as a KeyPair.Private).
//
//export KadSign
func Sign(message []byte, privateKey [32]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("crypto: cannot sign empty message")
	}

	edPrivate := ed25519.NewKeyFromSeed(privateKey[:])
	var signature Signature
	copy(signature[:], ed25519.Sign(edPrivate, message))
	return signature, nil
}

// Verify reports whether signature is a valid Ed25519 signature over
// message under publicKey.
//
//export KadVerify
func Verify(message []byte, signature Signature, publicKey [32]byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("crypto: cannot verify empty message")
	}

	var edPublic [ed25519.PublicKeySize]byte
	copy(edPublic[:], publicKey[:])
	return ed25519.Verify(edPublic[:], message, signature[:]), nil
}
