package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Envelope is the wire form of an encrypted payload. The payload is sealed
// with a one-shot AES-256-GCM session key, and the session key is wrapped
// with RSA-OAEP for the recipient. Raw RSA over the payload would cap the
// message at the modulus size; the hybrid form has no such limit.
type Envelope struct {
	WrappedKey string `json:"wrapped_key"`
	Payload    string `json:"payload"`
}

// Seal encrypts plaintext for the holder of recipient's private key.
func Seal(recipient *rsa.PublicKey, plaintext []byte) (*Envelope, error) {
	sessionKey, err := generateSessionKey()
	if err != nil {
		return nil, err
	}
	sealed, err := sealSymmetric(sessionKey, plaintext)
	if err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap session key: %w", err)
	}
	return &Envelope{
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		Payload:    base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Open decrypts an envelope with the recipient's private key. Any
// tampering with either field surfaces as ErrDecryptionFailed.
func Open(priv *rsa.PrivateKey, env *Envelope) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key encoding", ErrInvalidCiphertext)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: bad payload encoding", ErrInvalidCiphertext)
	}
	sessionKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return openSymmetric(sessionKey, sealed)
}

// SealJSON marshals v and seals it into a single base64 string suitable for
// an encrypted_data field.
func SealJSON(recipient *rsa.PublicKey, v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	env, err := Seal(recipient, plaintext)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// OpenJSON reverses SealJSON, unmarshalling the decrypted payload into v.
func OpenJSON(priv *rsa.PrivateKey, encoded string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: bad envelope encoding", ErrInvalidCiphertext)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: bad envelope structure", ErrInvalidCiphertext)
	}
	plaintext, err := Open(priv, &env)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
