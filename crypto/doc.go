// Package crypto implements the identifier space and signing primitives
// shared by every layer of the DHT.
//
// # Core Types
//
//   - [NodeID]: a fixed 512-bit identifier, XOR-metric comparable, with
//     hex/base32/base64 codecs for I/O.
//   - [KeyPair]: a NaCl crypto_box key pair (Curve25519) whose private half
//     also serves as the seed of the Ed25519 signing key.
//   - [Signature]: an Ed25519 signature used by the securifier contract to
//     sign and validate stored values.
//
// # Distance and Ordering
//
//	a, _ := crypto.RandomNodeID()
//	b, _ := crypto.RandomNodeID()
//	target, _ := crypto.RandomNodeID()
//	closer := crypto.CloserToTarget(a, b, target)
//
// # Signing
//
// Verify takes the Ed25519 public key derived from the signing seed, not
// KeyPair.Public:
//
//	keys, _ := crypto.GenerateKeyPair()
//	sig, _ := crypto.Sign(payload, keys.Private)
//	var pub [32]byte
//	copy(pub[:], ed25519.NewKeyFromSeed(keys.Private[:]).Public().(ed25519.PublicKey))
//	ok, _ := crypto.Verify(payload, sig, pub)
package crypto
