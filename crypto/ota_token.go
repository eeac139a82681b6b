package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"trackergw/protocol"
)

const otaTokenPEMType = "TRACKERGW OTA TOKEN"

// OTAToken authenticates trackers against the local update server.
type OTAToken [protocol.OTATokenSize]byte

// String returns the token as lowercase hex.
func (t OTAToken) String() string {
	return hex.EncodeToString(t[:])
}

// EnsureOTAToken loads the OTA token from disk, generating it on first run.
func EnsureOTAToken(path string) (OTAToken, error) {
	token, err := LoadOTAToken(path)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return OTAToken{}, err
	}

	token, err = GenerateOTAToken()
	if err != nil {
		return OTAToken{}, err
	}
	if err := SaveOTAToken(path, token); err != nil {
		return OTAToken{}, err
	}
	return token, nil
}

// GenerateOTAToken returns a fresh random token.
func GenerateOTAToken() (OTAToken, error) {
	var token OTAToken
	if _, err := rand.Read(token[:]); err != nil {
		return OTAToken{}, fmt.Errorf("generate OTA token: %w", err)
	}
	return token, nil
}

// ParseOTAToken decodes 32 hex digits.
func ParseOTAToken(s string) (OTAToken, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return OTAToken{}, fmt.Errorf("parse OTA token: %w", err)
	}
	if len(raw) != protocol.OTATokenSize {
		return OTAToken{}, fmt.Errorf("parse OTA token: expected %d bytes, got %d", protocol.OTATokenSize, len(raw))
	}

	var token OTAToken
	copy(token[:], raw)
	return token, nil
}

// LoadOTAToken reads a PEM-wrapped token file.
func LoadOTAToken(path string) (OTAToken, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return OTAToken{}, fmt.Errorf("read OTA token: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return OTAToken{}, fmt.Errorf("decode OTA token PEM: no PEM block")
	}
	if block.Type != otaTokenPEMType {
		return OTAToken{}, fmt.Errorf("decode OTA token PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != protocol.OTATokenSize {
		return OTAToken{}, fmt.Errorf("decode OTA token PEM: invalid token size %d", len(block.Bytes))
	}

	var token OTAToken
	copy(token[:], block.Bytes)
	return token, nil
}

// SaveOTAToken writes the token as a PEM file with 0600 permissions.
func SaveOTAToken(path string, token OTAToken) error {
	block := &pem.Block{
		Type:  otaTokenPEMType,
		Bytes: token[:],
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write OTA token: %w", err)
	}
	return nil
}
