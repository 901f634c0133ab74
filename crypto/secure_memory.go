package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites data in place with zeros using a constant-time XOR
// that the compiler cannot optimize away, and reports an error on nil input.
//
//export KadSecureWipe
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("crypto: cannot wipe nil data")
	}
	subtle.XORBytes(data, data, data)
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes wipes data, discarding the nil-input error: callers use this on
// key material they are about to drop and don't need to check.
//
//export KadZeroBytes
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair zeros a KeyPair's private half once it is no longer needed.
//
//export KadWipeKeyPair
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("crypto: cannot wipe nil key pair")
	}
	return SecureWipe(kp.Private[:])
}
