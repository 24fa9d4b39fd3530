// pkce.go -- CSRF state and PKCE (RFC 7636) verifier/challenge generation.
package pkce

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// alphabet is the character set for state and verifier strings.
// Every character is RFC 7636 "unreserved", so verifiers need no escaping.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// maxUnbiased is the largest multiple of len(alphabet) that fits in a byte.
// Bytes at or above it are rejected so every character is equally likely.
const maxUnbiased = 256 - (256 % len(alphabet))

// RFC 7636 §4.1 verifier length bounds.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// Defaults used by the login initiator.
const (
	DefaultStateLength    = 32
	DefaultVerifierLength = 64
)

// ErrInvalidLength is returned when a requested length is out of range.
var ErrInvalidLength = errors.New("invalid length")

// AuthorizationRequest is the per-login secret material round-tripped through cookies.
type AuthorizationRequest struct {
	State         string
	CodeVerifier  string
	CodeChallenge string
}

// GenerateState returns length characters drawn uniformly from [A-Za-z0-9].
func GenerateState(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("state length %d: %w", length, ErrInvalidLength)
	}
	return randomString(length)
}

// GenerateCodeVerifier returns a PKCE code verifier of the given length.
// Length must be within [MinVerifierLength, MaxVerifierLength].
func GenerateCodeVerifier(length int) (string, error) {
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", fmt.Errorf("verifier length %d: %w", length, ErrInvalidLength)
	}
	return randomString(length)
}

// DeriveCodeChallenge returns BASE64URL-NOPAD(SHA256(ASCII(verifier))), the S256 method.
func DeriveCodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// NewAuthorizationRequest generates a fresh state, verifier and matching challenge.
func NewAuthorizationRequest(stateLen, verifierLen int) (*AuthorizationRequest, error) {
	state, err := GenerateState(stateLen)
	if err != nil {
		return nil, fmt.Errorf("generating state: %w", err)
	}
	verifier, err := GenerateCodeVerifier(verifierLen)
	if err != nil {
		return nil, fmt.Errorf("generating code verifier: %w", err)
	}
	return &AuthorizationRequest{
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: DeriveCodeChallenge(verifier),
	}, nil
}

// randomString fills length characters using rejection sampling over crypto/rand bytes.
func randomString(length int) (string, error) {
	out := make([]byte, 0, length)
	// Over-read a little so one batch usually suffices (~3% rejection rate).
	buf := make([]byte, length+length/8+8)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
