// Package payload seals and opens the minimal message handed from the
// checkout service to the finalization worker. The payload crosses a
// broker, so it is encrypted and authenticated rather than sent in the
// clear.
package payload

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joao-fontenele/checkout-engine/internal/domain"
)

// Finalization is the only message the worker accepts: the buy order to
// complete.
type Finalization struct {
	BuyOrder string `json:"buy_order"`
}

// Codec seals finalization payloads with AES-GCM and encodes them as
// URL-safe base64.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec builds a codec from a 16, 24 or 32 byte key.
func NewCodec(key []byte) (*Codec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("payload codec key: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("payload codec: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Seal encrypts a finalization message. The nonce is prepended to the
// ciphertext before encoding.
func (c *Codec) Seal(msg Finalization) ([]byte, error) {
	plain, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	sealed := c.aead.Seal(nonce, nonce, plain, nil)

	out := make([]byte, base64.RawURLEncoding.EncodedLen(len(sealed)))
	base64.RawURLEncoding.Encode(out, sealed)
	return out, nil
}

// Open decrypts and validates a sealed payload. Any malformed, tampered
// or incomplete payload maps to domain.ErrInvalidPayload.
func (c *Codec) Open(sealed []byte) (Finalization, error) {
	raw := make([]byte, base64.RawURLEncoding.DecodedLen(len(sealed)))
	n, err := base64.RawURLEncoding.Decode(raw, sealed)
	if err != nil {
		return Finalization{}, errors.Join(domain.ErrInvalidPayload, err)
	}
	raw = raw[:n]

	if len(raw) < c.aead.NonceSize() {
		return Finalization{}, domain.ErrInvalidPayload
	}

	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]

	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Finalization{}, errors.Join(domain.ErrInvalidPayload, err)
	}

	var msg Finalization
	if err := json.Unmarshal(plain, &msg); err != nil {
		return Finalization{}, errors.Join(domain.ErrInvalidPayload, err)
	}

	if msg.BuyOrder == "" {
		return Finalization{}, fmt.Errorf("%w: missing buy_order", domain.ErrInvalidPayload)
	}

	return msg, nil
}
