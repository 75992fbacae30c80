package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/nacl/box"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
)

const nonceSize = 24

// Envelope is a payload sealed for a single recipient.
type Envelope struct {
	Nonce              string `json:"nonce"`
	EphemeralPublicKey string `json:"ephemeralPublicKey"`
	Ciphertext         string `json:"ciphertext"`
}

// EncryptFor seals plaintext for the recipient identified by recipientB64.
func EncryptFor(plaintext []byte, recipientB64 string) (*Envelope, error) {
	pub, err := ParsePublicKey(recipientB64)
	if err != nil {
		return nil, err
	}
	peer, err := PublicKeyToCurve25519(pub)
	if err != nil {
		return nil, err
	}

	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeEncryption, "generate ephemeral key")
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	sealed := box.Seal(nil, plaintext, nonce, peer, ephPriv)
	return &Envelope{
		Nonce:              base64.StdEncoding.EncodeToString(nonce[:]),
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ephPub[:]),
		Ciphertext:         base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decrypt opens an envelope with the recipient's base64 secret key.
func Decrypt(env *Envelope, secretB64 string) ([]byte, error) {
	priv, err := ParseSecretKey(secretB64)
	if err != nil {
		return nil, err
	}
	return openEnvelope(env, SecretKeyToCurve25519(priv))
}

func openEnvelope(env *Envelope, secret *[32]byte) ([]byte, error) {
	if env == nil {
		return nil, apperrors.New(apperrors.ErrCodeDecryption, "missing envelope")
	}
	nonce, err := decodeFixed24(env.Nonce)
	if err != nil {
		return nil, err
	}
	ephPub, err := decodeFixed32(env.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDecryption, "ciphertext is not valid base64")
	}

	out, ok := box.Open(nil, sealed, nonce, ephPub, secret)
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeDecryption, "message authentication failed")
	}
	return out, nil
}

func newNonce() (*[nonceSize]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeEncryption, "generate nonce")
	}
	return &nonce, nil
}

func decodeFixed24(s string) (*[24]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 24 {
		return nil, apperrors.New(apperrors.ErrCodeDecryption, "malformed nonce")
	}
	var out [24]byte
	copy(out[:], raw)
	return &out, nil
}

func decodeFixed32(s string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return nil, apperrors.New(apperrors.ErrCodeDecryption, "malformed key material")
	}
	var out [32]byte
	copy(out[:], raw)
	return &out, nil
}
