package lifecycle

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/md-rashed-zaman/slotbook/services/booking-service/internal/model"
)

func newManageToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashManageToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// holdsToken reports whether token opens appt. Appointments without a stored
// hash never match.
func holdsToken(appt model.Appointment, token string) bool {
	if token == "" || appt.ManageTokenHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashManageToken(token)), []byte(appt.ManageTokenHash)) == 1
}
