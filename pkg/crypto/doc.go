// Package crypto holds the key handling and payload encryption shared by both
// EnSync transports.
//
// Identities are Ed25519 key pairs exchanged as standard base64. A recipient is
// addressed by its base64 public key. For encryption the Ed25519 keys are
// converted to X25519 and used with NaCl box.
//
//   - EncryptFor / Decrypt seal a payload for one recipient with an ephemeral
//     sender key.
//   - EncryptHybrid / DecryptHybrid seal the payload once under a random
//     message key (secretbox) and wrap that key for every recipient.
//   - EncodePayload / EncodeHybridPayload / DecodePayload add the JSON and
//     base64 framing used on the wire.
//   - Sign / Verify produce and check detached Ed25519 signatures.
//
// The package keeps no state. Every function is safe for concurrent use.
package crypto
