package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"filippo.io/edwards25519"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
)

// KeyPair is an Ed25519 identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a new random identity.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "generate ed25519 key")
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// PublicKeyBase64 is the recipient identifier for this key pair.
func (k *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.Public)
}

// SecretKeyBase64 is the 64-byte private key, the form accepted as an app secret key.
func (k *KeyPair) SecretKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.Private)
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidKey, "public key is not valid base64")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidKey, "public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ParseSecretKey decodes a base64 Ed25519 private key. Both the 64-byte
// private key and the 32-byte seed are accepted.
func ParseSecretKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidKey, "secret key is not valid base64")
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidKey, "secret key must be %d or %d bytes, got %d",
			ed25519.PrivateKeySize, ed25519.SeedSize, len(raw))
	}
}

// KeyPairFromSecret rebuilds the full identity from a base64 secret key.
func KeyPairFromSecret(secretB64 string) (*KeyPair, error) {
	priv, err := ParseSecretKey(secretB64)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// PublicKeyToCurve25519 maps an Ed25519 public key to its X25519 (Montgomery) form.
func PublicKeyToCurve25519(pub ed25519.PublicKey) (*[32]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidKey, "public key is not a valid curve point")
	}
	var out [32]byte
	copy(out[:], p.BytesMontgomery())
	return &out, nil
}

// SecretKeyToCurve25519 derives the X25519 scalar from an Ed25519 private key
// the same way Ed25519 derives its signing scalar.
func SecretKeyToCurve25519(priv ed25519.PrivateKey) *[32]byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	var out [32]byte
	copy(out[:], h[:32])
	return &out
}

// Fingerprint is a short display form of a public key for logs.
func Fingerprint(b64 string) string {
	if len(b64) <= 12 {
		return b64
	}
	return fmt.Sprintf("%s…%s", b64[:6], b64[len(b64)-4:])
}
