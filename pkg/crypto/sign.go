package crypto

import (
	"crypto/ed25519"
	"encoding/base64"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
)

// Sign returns the base64 detached signature of msg.
func Sign(msg []byte, secretB64 string) (string, error) {
	priv, err := ParseSecretKey(secretB64)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg)), nil
}

// Verify checks a base64 detached signature against a base64 public key.
func Verify(msg []byte, sigB64, pubB64 string) error {
	pub, err := ParsePublicKey(pubB64)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "signature is not valid base64")
	}
	if !ed25519.Verify(pub, msg, sig) {
		return apperrors.New(apperrors.ErrCodeAuth, "signature verification failed")
	}
	return nil
}
