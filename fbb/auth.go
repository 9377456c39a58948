package fbb

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// Authenticator is the pluggable credential-verification capability
// behind the FBB protected-mode handshake. When configured on the
// listening side, the session sends a `;PQ; <challenge>` line after
// its SID and requires a matching `;PR; <response>` before any
// proposal exchange; when configured on the calling side, the session
// answers the challenge it receives.
type Authenticator interface {
	// Challenge produces a fresh challenge string for one session.
	Challenge() (string, error)

	// Respond computes the response for a received challenge.
	Respond(challenge string) (string, error)

	// Verify checks a peer's response against a challenge this side
	// issued.
	Verify(challenge, response string) bool
}

// MD5Authenticator implements the classic FBB protected-mode scheme:
// the response is the MD5 digest of the challenge concatenated with
// the shared secret. The secret is supplied by the caller, never
// baked in.
type MD5Authenticator struct {
	Secret string
}

func (a *MD5Authenticator) Challenge() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return "", WrapError(ErrConfiguration, "challenge generation", err)
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}

func (a *MD5Authenticator) Respond(challenge string) (string, error) {
	sum := md5.Sum([]byte(challenge + a.Secret))
	return hex.EncodeToString(sum[:]), nil
}

func (a *MD5Authenticator) Verify(challenge, response string) bool {
	want, _ := a.Respond(challenge)
	return want == response
}
