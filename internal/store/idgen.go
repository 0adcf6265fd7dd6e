package store

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns an 8-hex-char opaque identifier, per the persistence
// contract in §6.4 of the spec this store implements.
func NewID() string {
	return randHex(4)
}

// NewDeploymentID returns a 10-hex-char deployment identifier.
func NewDeploymentID() string {
	return randHex(5)
}

func randHex(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("store: failed to read random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
