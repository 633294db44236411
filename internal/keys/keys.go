// Package keys implements the self-describing API key codec. A key embeds
// the machine id and key id it belongs to, so authentication resolves the
// owning machine without a key index; an HMAC checksum makes the embedded
// ids tamper-evident.
package keys

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const (
	prefix      = "sk-"
	checksumLen = 8
	legacyLen   = 8
)

// Format renders the key for (machineID, keyID): sk-{machineId}-{keyId}-{crc},
// where crc is the first 8 hex characters of HMAC-SHA256(secret,
// machineId+keyId).
func Format(machineID, keyID, secret string) string {
	return prefix + machineID + "-" + keyID + "-" + checksum(machineID, keyID, secret)
}

// Parse splits a self-describing key and verifies its checksum. Machine ids
// may contain dashes (uuids), so the key is split from the right: the last
// two segments are the key id and the checksum.
func Parse(raw, secret string) (machineID, keyID string, ok bool) {
	rest, found := strings.CutPrefix(raw, prefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '-')
	if i < 0 || len(rest)-i-1 != checksumLen {
		return "", "", false
	}
	crc := rest[i+1:]
	j := strings.LastIndexByte(rest[:i], '-')
	if j <= 0 || j == i-1 {
		return "", "", false
	}
	machineID, keyID = rest[:j], rest[j+1:i]
	want := checksum(machineID, keyID, secret)
	if subtle.ConstantTimeCompare([]byte(crc), []byte(want)) != 1 {
		return "", "", false
	}
	return machineID, keyID, true
}

// IsLegacy reports whether raw looks like a pre-codec opaque key
// (sk- followed by 8 alphanumerics). Legacy keys carry no machine id and
// need a store lookup instead.
func IsLegacy(raw string) bool {
	rest, found := strings.CutPrefix(raw, prefix)
	if !found || len(rest) != legacyLen {
		return false
	}
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

// Mint creates a fresh key id and the corresponding key for machineID.
func Mint(machineID, secret string) (keyID, raw string) {
	keyID = strings.ReplaceAll(uuid.NewString(), "-", "")[:legacyLen]
	return keyID, Format(machineID, keyID, secret)
}

func checksum(machineID, keyID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(machineID))
	mac.Write([]byte(keyID))
	return hex.EncodeToString(mac.Sum(nil))[:checksumLen]
}
