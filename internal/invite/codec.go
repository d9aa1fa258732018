// Package invite turns a (room id, room name) pair into an opaque, authenticated
// share code and back.
package invite

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidCode is the only error Decode returns; the cause is never exposed.
var ErrInvalidCode = errors.New("invalid room code")

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

// fixed associated data binds codes to this use
var additionalData = []byte("room-invite-v1")

type payload struct {
	RoomID   int    `json:"room_id"`
	RoomName string `json:"room_name"`
}

type Codec struct {
	aead cipher.AEAD
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invite key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init invite cipher: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// NewCodecFromString accepts the key as standard or URL-safe base64 (padded or
// not), or as a raw 32-byte string.
func NewCodecFromString(key string) (*Codec, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(key); err == nil && len(b) == KeySize {
			return NewCodec(b)
		}
	}
	return NewCodec([]byte(key))
}

// Encode seals the pair. Each call uses a fresh nonce, so codes for the same
// room differ but all decode to the same pair.
func (c *Codec) Encode(roomID int, roomName string) (string, error) {
	if roomID <= 0 {
		return "", fmt.Errorf("invalid room id %d", roomID)
	}
	// json would silently replace invalid sequences and break the round trip
	if !utf8.ValidString(roomName) {
		return "", fmt.Errorf("room name is not valid UTF-8")
	}
	plain, err := json.Marshal(payload{RoomID: roomID, RoomName: roomName})
	if err != nil {
		return "", fmt.Errorf("failed to encode room info: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plain, additionalData)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *Codec) Decode(code string) (int, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil || len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return 0, "", ErrInvalidCode
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return 0, "", ErrInvalidCode
	}

	var p payload
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil || p.RoomID <= 0 || !utf8.ValidString(p.RoomName) {
		return 0, "", ErrInvalidCode
	}
	// one object and nothing after it
	if _, err := dec.Token(); err != io.EOF {
		return 0, "", ErrInvalidCode
	}
	return p.RoomID, p.RoomName, nil
}
