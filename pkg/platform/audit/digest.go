package audit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Digest computes the integrity digest of rec: SHA-256 over the canonical
// JSON encoding of every field except Digest itself. Timestamps are
// normalized to UTC microseconds, the precision the Postgres store keeps.
func Digest(rec Record) (string, error) {
	rec.Digest = ""
	rec.Timestamp = NormalizeTime(rec.Timestamp)
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeTime truncates t to the precision stored by every backend.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// VerifyDigest reports whether rec still matches its stored digest.
func VerifyDigest(rec Record) bool {
	if rec.Digest == "" {
		return false
	}
	want, err := Digest(rec)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(rec.Digest)) == 1
}
