// Package flags generates and validates per-instance challenge flags.
//
// Flags are deterministic HMAC-SHA256 values over the
// (challenge, user, instance) triple, so they are never stored anywhere:
// the same inputs regenerate the same flag for verification, and any change
// to one input changes the flag. Validation is constant-time.
package flags

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// flag{<16 lowercase hex>}
var flagPattern = regexp.MustCompile(`^flag\{[0-9a-f]{16}\}$`)

// Generate derives the flag for a challenge instance. Identical inputs
// always yield the identical flag.
func Generate(challengeID, userID, instanceData, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s:%s", challengeID, userID, instanceData)
	digest := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("flag{%s}", digest[:16])
}

// Validate checks a submitted flag against the instance it was minted for.
// Input that does not match the flag grammar is rejected before any
// cryptography; the comparison itself is constant-time. Validate never
// fails with an error: malformed input is simply invalid.
func Validate(flag, challengeID, userID, instanceData, secret string) bool {
	if !flagPattern.MatchString(flag) {
		return false
	}
	expected := Generate(challengeID, userID, instanceData, secret)
	return hmac.Equal([]byte(flag), []byte(expected))
}
