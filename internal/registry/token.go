package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/MacJediWizard/tidyup/internal/models"
)

const (
	// DeviceTokenPrefix is the prefix of every device token.
	DeviceTokenPrefix = "tdy_"
	// DeviceTokenLength is the length of the hex portion of a device token.
	DeviceTokenLength = 64 // 32 bytes = 64 hex chars
)

// GenerateDeviceToken returns a new random device token.
func GenerateDeviceToken() (string, error) {
	b := make([]byte, DeviceTokenLength/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate device token: %w", err)
	}
	return DeviceTokenPrefix + hex.EncodeToString(b), nil
}

// HashToken returns the SHA-256 hex digest stored in place of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IsValidTokenFormat checks if token has the device token format.
func IsValidTokenFormat(token string) bool {
	if !strings.HasPrefix(token, DeviceTokenPrefix) {
		return false
	}
	hexPart := strings.TrimPrefix(token, DeviceTokenPrefix)
	if len(hexPart) != DeviceTokenLength {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// generatePairingCode returns a code drawn from the unambiguous alphabet.
func generatePairingCode() (string, error) {
	alphabet := big.NewInt(int64(len(models.PairingCodeAlphabet)))
	var b strings.Builder
	for i := 0; i < models.PairingCodeLength; i++ {
		n, err := rand.Int(rand.Reader, alphabet)
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		b.WriteByte(models.PairingCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
