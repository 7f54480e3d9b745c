package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/uniset/mediator/internal/errs"
)

// Challenge binds a login attempt to a session id and a server-chosen
// nonce, replacing the source's bespoke digest with a documented keyed
// hash per spec §8's REDESIGN FLAG ("Numeric hash for login challenge").
type Challenge struct {
	SessionID string
	Nonce     []byte
}

// NewChallenge generates a fresh challenge for a freshly allocated session
// id. The session id itself is a UUID, grounded on f0oster-adSpy's
// DomainId field and the teacher's general habit of opaque string IDs.
func NewChallenge() (Challenge, error) {
	sessionID := uuid.NewString()
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, errs.New(errs.Internal, "auth.NewChallenge", fmt.Errorf("generate nonce: %w", err))
	}
	return Challenge{SessionID: sessionID, Nonce: nonce}, nil
}

// Digest computes H(password ‖ challenge ‖ password ‖ session) as
// HMAC-SHA-256 keyed by the nonce, truncated to the first 8 bytes and
// read as a big-endian uint64 (spec §6/§8).
func (c Challenge) Digest(password string) uint64 {
	mac := hmac.New(sha256.New, c.Nonce)
	mac.Write([]byte(password))
	mac.Write(c.Nonce)
	mac.Write([]byte(password))
	mac.Write([]byte(c.SessionID))
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// Verify reports whether response matches the expected digest for
// password under this challenge. Mismatch is reported by the caller as
// AuthFailed (spec §4.6).
func (c Challenge) Verify(password string, response uint64) bool {
	return hmac.Equal(
		uint64ToBytes(c.Digest(password)),
		uint64ToBytes(response),
	)
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
