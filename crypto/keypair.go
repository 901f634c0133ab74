package crypto

import (
	"crypto/rand"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair is a NaCl crypto_box key pair (Curve25519), retained by the
// securifier contract as the local signing identity's key material.
//
//export KadKeyPair
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random NaCl key pair using crypto/rand.
//
//export KadGenerateKeyPair
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "GenerateKeyPair", "package": "crypto"}).
			WithError(err).Error("key generation failed")
		return nil, err
	}
	return &KeyPair{Public: *public, Private: *private}, nil
}

// FromSecretKey derives a KeyPair's public half from an existing Curve25519
// private key, clamping it per the NaCl convention before scalar
// multiplication.
//
//export KadKeyPairFromSecretKey
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("crypto: secret key cannot be all zeros")
	}

	var clamped [32]byte
	copy(clamped[:], secretKey[:])
	clamped[0] &= 248
	clamped[31] &= 127
	clamped[31] |= 64

	var public [32]byte
	curve25519.ScalarBaseMult(&public, &clamped)
	ZeroBytes(clamped[:])

	return &KeyPair{Public: public, Private: secretKey}, nil
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
