package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/muurk/iotgate/internal/protocol"
)

// HMACVerifier accepts a device when its key is the hex HMAC-SHA256 of its
// 10-digit id under a shared secret.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier constructs a verifier for secret.
func NewHMACVerifier(secret string) (*HMACVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	return &HMACVerifier{secret: []byte(secret)}, nil
}

// KeyFor derives the key a device must present.
func (v *HMACVerifier) KeyFor(id protocol.DeviceID) string {
	return hex.EncodeToString(v.sign(id))
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(id protocol.DeviceID, key string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return false
	}
	return hmac.Equal(got, v.sign(id))
}

func (v *HMACVerifier) sign(id protocol.DeviceID) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(id.String()))
	return mac.Sum(nil)
}
