package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"trackergw/crypto"
	"trackergw/protocol"
)

// LoadSecurityCode returns the stored code, generating and persisting one if absent or blank.
func (s *Store) LoadSecurityCode() (protocol.SecurityCode, error) {
	raw, err := s.getSetting(settingSecurityCode)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return protocol.SecurityCode{}, err
	}

	var code protocol.SecurityCode
	if err == nil && len(raw) == protocol.SecurityCodeSize {
		copy(code[:], raw)
	}
	if !code.IsZero() {
		return code, nil
	}

	return s.ResetSecurityCode()
}

// StoreSecurityCode persists a non-blank code.
func (s *Store) StoreSecurityCode(code protocol.SecurityCode) error {
	if code.IsZero() {
		return ErrZeroSecurityCode
	}
	return s.putSetting(settingSecurityCode, code[:])
}

// ResetSecurityCode replaces the stored code with a fresh random one.
func (s *Store) ResetSecurityCode() (protocol.SecurityCode, error) {
	code, err := crypto.GenerateSecurityCode()
	if err != nil {
		return protocol.SecurityCode{}, err
	}
	if err := s.StoreSecurityCode(code); err != nil {
		return protocol.SecurityCode{}, err
	}
	return code, nil
}

// LoadChannel returns the stored radio channel, or DefaultChannel when none is stored.
func (s *Store) LoadChannel() (uint8, error) {
	raw, err := s.getSetting(settingChannel)
	if errors.Is(err, ErrNotFound) {
		return protocol.DefaultChannel, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 1 || !protocol.ValidChannel(raw[0]) {
		return protocol.DefaultChannel, nil
	}
	return raw[0], nil
}

// StoreChannel persists a channel in 1..14.
func (s *Store) StoreChannel(ch uint8) error {
	if err := validateChannel(ch); err != nil {
		return err
	}
	return s.putSetting(settingChannel, []byte{ch})
}

func (s *Store) getSetting(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM gateway_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read setting %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) putSetting(key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO gateway_settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write setting %q: %w", key, err)
	}
	return nil
}
