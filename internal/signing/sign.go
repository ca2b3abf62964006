package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// Verification failures are discriminable so callers can report exactly what
// was wrong without re-running the check.
var (
	ErrAlgorithmMismatch = errors.New("signing: algorithm mismatch")
	ErrSignerMismatch    = errors.New("signing: signer does not match key owner")
	ErrKeyIDMismatch     = errors.New("signing: key id does not match key")
	ErrKeyExpired        = errors.New("signing: key expired")
	ErrBadSignature      = errors.New("signing: signature verification failed")
	ErrNoKey             = errors.New("signing: no key for signer")
)

// MessageSignature is the full signature record. Its compact wire form is
// the envelope `_sig` side-channel.
type MessageSignature struct {
	Signature string    `json:"signature"`
	Signer    string    `json:"signer"`
	KeyID     string    `json:"keyId"`
	SignedAt  int64     `json:"signedAt"`
	Algorithm Algorithm `json:"algorithm"`
}

// signingInput binds the content to the signer identity, the signing time,
// the key id and the algorithm: identical content signed at different times
// or by different keys produces different signatures.
func signingInput(content, signer string, signedAt int64, keyID string, alg Algorithm) []byte {
	return fmt.Appendf(nil, "%s|%s|%d|%s|%s", content, signer, signedAt, keyID, alg)
}

// SignMessage signs content with the agent's key.
func SignMessage(content string, key *AgentKey) (*MessageSignature, error) {
	if key.Expired(time.Now()) {
		return nil, ErrKeyExpired
	}
	sig := &MessageSignature{
		Signer:    key.AgentName,
		KeyID:     key.PublicKey,
		SignedAt:  time.Now().UnixMilli(),
		Algorithm: key.Algorithm,
	}
	input := signingInput(content, sig.Signer, sig.SignedAt, sig.KeyID, sig.Algorithm)

	switch key.Algorithm {
	case AlgorithmHMAC:
		secret, err := base64.StdEncoding.DecodeString(key.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("signing: decode secret: %w", err)
		}
		mac := hmac.New(sha256.New, secret)
		mac.Write(input)
		sig.Signature = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	case AlgorithmEd25519:
		priv, err := base64.StdEncoding.DecodeString(key.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("signing: decode private key: %w", err)
		}
		sig.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(ed25519.PrivateKey(priv), input))
	default:
		return nil, fmt.Errorf("signing: unsupported algorithm %q", key.Algorithm)
	}
	return sig, nil
}

// VerifyMessage checks signer, key id, expiry, then the signature itself,
// in that order, returning the first mismatch.
func VerifyMessage(content string, sig *MessageSignature, key *AgentKey) error {
	if sig.Algorithm != key.Algorithm {
		return ErrAlgorithmMismatch
	}
	if sig.Signer != key.AgentName {
		return ErrSignerMismatch
	}
	if sig.KeyID != key.PublicKey {
		return ErrKeyIDMismatch
	}
	if key.Expired(time.Now()) {
		return ErrKeyExpired
	}

	input := signingInput(content, sig.Signer, sig.SignedAt, sig.KeyID, sig.Algorithm)
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return ErrBadSignature
	}

	switch key.Algorithm {
	case AlgorithmHMAC:
		secret, err := base64.StdEncoding.DecodeString(key.PrivateKey)
		if err != nil {
			return fmt.Errorf("signing: decode secret: %w", err)
		}
		mac := hmac.New(sha256.New, secret)
		mac.Write(input)
		if !hmac.Equal(mac.Sum(nil), raw) {
			return ErrBadSignature
		}
	case AlgorithmEd25519:
		pub, err := base64.StdEncoding.DecodeString(key.PublicKey)
		if err != nil {
			return fmt.Errorf("signing: decode public key: %w", err)
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), input, raw) {
			return ErrBadSignature
		}
	default:
		return ErrAlgorithmMismatch
	}
	return nil
}
