// internal/payments/signature.go
package payments

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature covers a missing, malformed, or mismatched
	// signature header.
	ErrInvalidSignature = errors.New("payments: invalid signature")
	// ErrMalformedPayload covers a body that is not a JSON object.
	ErrMalformedPayload = errors.New("payments: malformed payload")
)

// CanonicalPayload re-serializes the provider payload with object keys
// sorted lexicographically. The provider signs over this canonical form, so
// verification is independent of the key order it happened to send.
// encoding/json emits map keys in sorted order, which is exactly the
// canonicalization the provider applies.
func CanonicalPayload(raw []byte) ([]byte, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return canonical, nil
}

// ComputeSignature returns the hex HMAC-SHA512 of the canonicalized payload
// under the shared provider secret.
func ComputeSignature(raw []byte, secret string) (string, error) {
	canonical, err := CanonicalPayload(raw)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature checks the supplied signature header against the
// recomputed HMAC with a constant-time comparison. Any single altered byte
// in the payload fails; reordering keys before signing does not.
func VerifySignature(raw []byte, signature, secret string) error {
	if signature == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	expected, err := ComputeSignature(raw, secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
