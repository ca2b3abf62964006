package signing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agent-relay/relay/internal/protocol"
)

// VerifyPolicy controls signature enforcement at the router boundary.
// Loaded from signing.json in the config directory.
type VerifyPolicy struct {
	RequireSignatures bool     `json:"requireSignatures"`
	AllowUnsignedFrom []string `json:"allowUnsignedFrom,omitempty"`
}

// LoadVerifyPolicy reads signing.json from dir; a missing file yields the
// permissive zero policy.
func LoadVerifyPolicy(dir string) (VerifyPolicy, error) {
	var p VerifyPolicy
	data, err := os.ReadFile(filepath.Join(dir, "signing.json"))
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("signing: read signing.json: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("signing: parse signing.json: %w", err)
	}
	return p, nil
}

// envelopeContent is the byte string an envelope signature covers: the id,
// the timestamp and the raw payload.
func envelopeContent(env *protocol.Envelope) string {
	return fmt.Sprintf("%s|%d|%s", env.ID, env.TS, string(env.Payload))
}

// AttachSignature signs the envelope on its way out and installs the compact
// `_sig` side-channel.
func AttachSignature(env *protocol.Envelope, key *AgentKey) error {
	sig, err := SignMessage(envelopeContent(env), key)
	if err != nil {
		return err
	}
	env.Sig = &protocol.Signature{
		S: sig.Signature,
		K: sig.KeyID,
		T: sig.SignedAt,
		A: string(sig.Algorithm),
	}
	return nil
}

// EnvelopeVerifier enforces the verification policy before envelopes enter
// routing.
type EnvelopeVerifier struct {
	keys   *KeyStore
	policy VerifyPolicy
}

func NewEnvelopeVerifier(keys *KeyStore, policy VerifyPolicy) *EnvelopeVerifier {
	return &EnvelopeVerifier{keys: keys, policy: policy}
}

// VerifyEnvelope extracts `_sig` and verifies it against the sender's key.
// Unsigned envelopes pass only when signatures are not required or the
// sender is explicitly allow-listed.
func (v *EnvelopeVerifier) VerifyEnvelope(env *protocol.Envelope) error {
	if env.Sig == nil {
		if !v.policy.RequireSignatures {
			return nil
		}
		for _, name := range v.policy.AllowUnsignedFrom {
			if name == env.From {
				return nil
			}
		}
		return fmt.Errorf("signing: unsigned envelope from %q rejected", env.From)
	}

	key, err := v.keys.LoadAgentKey(env.From)
	if err != nil {
		return err
	}
	if key == nil {
		return ErrNoKey
	}
	sig := &MessageSignature{
		Signature: env.Sig.S,
		Signer:    env.From,
		KeyID:     env.Sig.K,
		SignedAt:  env.Sig.T,
		Algorithm: Algorithm(env.Sig.A),
	}
	return VerifyMessage(envelopeContent(env), sig, key)
}
