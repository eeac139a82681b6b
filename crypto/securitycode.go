package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"trackergw/protocol"
)

var (
	// ErrInvalidSecurityCode indicates the text is not 16 hex digits or decodes to a blank code.
	ErrInvalidSecurityCode = errors.New("crypto: invalid security code")
	// ErrBlankSecurityCode marks well-formed input that decodes to all zeros.
	ErrBlankSecurityCode = errors.New("crypto: security code must not be blank")
)

// GenerateSecurityCode returns a random non-zero security code.
func GenerateSecurityCode() (protocol.SecurityCode, error) {
	var code protocol.SecurityCode
	for code.IsZero() {
		if _, err := rand.Read(code[:]); err != nil {
			return protocol.SecurityCode{}, fmt.Errorf("generate security code: %w", err)
		}
	}
	return code, nil
}

// ParseSecurityCode decodes 16 hex digits, ignoring spaces and colons.
func ParseSecurityCode(s string) (protocol.SecurityCode, error) {
	clean := strings.NewReplacer(" ", "", ":", "").Replace(strings.TrimSpace(s))
	if len(clean) != protocol.SecurityCodeSize*2 {
		return protocol.SecurityCode{}, fmt.Errorf("%w: expected %d hex digits", ErrInvalidSecurityCode, protocol.SecurityCodeSize*2)
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return protocol.SecurityCode{}, fmt.Errorf("%w: %v", ErrInvalidSecurityCode, err)
	}

	var code protocol.SecurityCode
	copy(code[:], raw)
	if code.IsZero() {
		return protocol.SecurityCode{}, fmt.Errorf("%w: %w", ErrInvalidSecurityCode, ErrBlankSecurityCode)
	}
	return code, nil
}

// FormatSecurityCode returns the code as 16 uppercase hex digits.
func FormatSecurityCode(code protocol.SecurityCode) string {
	return strings.ToUpper(hex.EncodeToString(code[:]))
}

// EqualSecurityCode compares two codes in constant time.
func EqualSecurityCode(a, b protocol.SecurityCode) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// SecurityCodeFingerprint returns a short SHA-256 fingerprint that identifies a code without revealing it.
func SecurityCodeFingerprint(code protocol.SecurityCode) string {
	sum := sha256.Sum256(code[:])
	return FormatFingerprint(hex.EncodeToString(sum[:4]))
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}

	return b.String()
}
