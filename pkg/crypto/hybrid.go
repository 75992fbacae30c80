package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
)

// HybridType marks a hybrid envelope on the wire.
const HybridType = "hybrid"

// SealedPayload is the secretbox-sealed body of a hybrid envelope.
type SealedPayload struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// HybridEnvelope carries one sealed payload and the message key wrapped for
// each recipient, keyed by recipient id.
type HybridEnvelope struct {
	Type    string               `json:"type"`
	Payload SealedPayload        `json:"payload"`
	Keys    map[string]*Envelope `json:"keys"`
}

// EncryptHybrid seals plaintext once and wraps the message key for every recipient.
func EncryptHybrid(plaintext []byte, recipients []string) (*HybridEnvelope, error) {
	if len(recipients) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "at least one recipient is required")
	}

	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeEncryption, "generate message key")
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	env := &HybridEnvelope{
		Type: HybridType,
		Payload: SealedPayload{
			Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
			Ciphertext: base64.StdEncoding.EncodeToString(secretbox.Seal(nil, plaintext, nonce, &key)),
		},
		Keys: make(map[string]*Envelope, len(recipients)),
	}
	for _, r := range recipients {
		if _, dup := env.Keys[r]; dup {
			continue
		}
		wrapped, err := EncryptFor(key[:], r)
		if err != nil {
			return nil, err
		}
		env.Keys[r] = wrapped
	}
	return env, nil
}

// DecryptHybrid unwraps the message key addressed to the holder of secretB64
// and opens the payload.
func DecryptHybrid(env *HybridEnvelope, secretB64 string) ([]byte, error) {
	if env == nil {
		return nil, apperrors.New(apperrors.ErrCodeDecryption, "missing envelope")
	}
	priv, err := ParseSecretKey(secretB64)
	if err != nil {
		return nil, err
	}
	self := base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))

	wrapped, ok := env.Keys[self]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeDecryption, "message is not addressed to this key")
	}
	rawKey, err := openEnvelope(wrapped, SecretKeyToCurve25519(priv))
	if err != nil {
		return nil, err
	}
	if len(rawKey) != 32 {
		return nil, apperrors.New(apperrors.ErrCodeDecryption, "wrapped message key has wrong length")
	}
	var key [32]byte
	copy(key[:], rawKey)

	nonce, err := decodeFixed24(env.Payload.Nonce)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Payload.Ciphertext)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDecryption, "ciphertext is not valid base64")
	}
	out, ok := secretbox.Open(nil, sealed, nonce, &key)
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeDecryption, "message authentication failed")
	}
	return out, nil
}
