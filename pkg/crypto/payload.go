package crypto

import (
	"encoding/base64"
	"encoding/json"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
)

// EncodePayload marshals v to JSON, seals it for one recipient and returns the
// base64 wire form.
func EncodePayload(v any, recipientB64 string) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "payload is not JSON serialisable")
	}
	env, err := EncryptFor(plaintext, recipientB64)
	if err != nil {
		return "", err
	}
	return frame(env)
}

// EncodeHybridPayload is EncodePayload for many recipients sharing one ciphertext.
func EncodeHybridPayload(v any, recipients []string) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "payload is not JSON serialisable")
	}
	env, err := EncryptHybrid(plaintext, recipients)
	if err != nil {
		return "", err
	}
	return frame(env)
}

// DecodePayload reverses EncodePayload and EncodeHybridPayload and returns the
// plaintext JSON.
func DecodePayload(encoded, secretB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDecryption, "payload is not valid base64")
	}

	var kind struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &kind); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDecryption, "payload is not a JSON envelope")
	}

	if kind.Type == HybridType {
		var env HybridEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeDecryption, "malformed hybrid envelope")
		}
		return DecryptHybrid(&env, secretB64)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDecryption, "malformed envelope")
	}
	return Decrypt(&env, secretB64)
}

// DecodePayloadInto decodes and unmarshals the plaintext into out.
func DecodePayloadInto(encoded, secretB64 string, out any) error {
	plaintext, err := DecodePayload(encoded, secretB64)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeDecryption, "decrypted payload is not valid JSON")
	}
	return nil
}

func frame(env any) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeEncryption, "marshal envelope")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
