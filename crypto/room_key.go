package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	roomSecretSize = 16
	roomKeyInfo    = "sharewave signaling"
)

// NewRoomSecret returns a URL-safe random secret suitable for a share link fragment.
func NewRoomSecret() (string, error) {
	raw := make([]byte, roomSecretSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate room secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DeriveRoomKey derives the AES-256 key that seals signaling artifacts of one room.
func DeriveRoomKey(secret, roomID string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("room secret is required")
	}
	if roomID == "" {
		return nil, errors.New("room ID is required")
	}

	reader := hkdf.New(sha256.New, []byte(secret), []byte(roomID), []byte(roomKeyInfo))
	key := make([]byte, aes256KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive room key: %w", err)
	}
	return key, nil
}
