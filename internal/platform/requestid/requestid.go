// Package requestid mints correlation ids for requests that arrive without
// an X-Request-Id header. The id travels through the gateway's signed
// internal headers and into audit events, so one value ties a trigger to
// every segue and delivery it caused.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32-character hex id from 16 random bytes.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
