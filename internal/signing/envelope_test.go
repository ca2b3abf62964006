package signing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/agent-relay/relay/internal/protocol"
)

func signedEnvelope(t *testing.T, key *AgentKey) *protocol.Envelope {
	t.Helper()
	env, _ := protocol.New(protocol.TypeSend, &protocol.SendPayload{Body: "hi"})
	env.From = key.AgentName
	env.To = "bob"
	if err := AttachSignature(env, key); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return env
}

func TestAttachAndVerifyEnvelope(t *testing.T) {
	s := newKeyStore(t)
	key, err := s.GenerateAgentKey("ana", AlgorithmEd25519, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	env := signedEnvelope(t, key)
	if env.Sig == nil || env.Sig.S == "" || env.Sig.K != key.PublicKey {
		t.Fatalf("sig = %+v", env.Sig)
	}

	v := NewEnvelopeVerifier(s, VerifyPolicy{})
	if err := v.VerifyEnvelope(env); err != nil {
		t.Errorf("verify: %v", err)
	}

	// Payload tampering after signing fails verification.
	env.Payload = []byte(`{"body":"evil"}`)
	if err := v.VerifyEnvelope(env); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered payload: err = %v, want ErrBadSignature", err)
	}
}

func TestUnsignedEnvelopePolicy(t *testing.T) {
	s := newKeyStore(t)
	env, _ := protocol.New(protocol.TypeSend, &protocol.SendPayload{Body: "hi"})
	env.From = "ana"

	t.Run("permissive", func(t *testing.T) {
		v := NewEnvelopeVerifier(s, VerifyPolicy{})
		if err := v.VerifyEnvelope(env); err != nil {
			t.Errorf("verify: %v", err)
		}
	})

	t.Run("required", func(t *testing.T) {
		v := NewEnvelopeVerifier(s, VerifyPolicy{RequireSignatures: true})
		if err := v.VerifyEnvelope(env); err == nil {
			t.Error("unsigned envelope accepted under required signatures")
		}
	})

	t.Run("allow list", func(t *testing.T) {
		v := NewEnvelopeVerifier(s, VerifyPolicy{
			RequireSignatures: true,
			AllowUnsignedFrom: []string{"ana"},
		})
		if err := v.VerifyEnvelope(env); err != nil {
			t.Errorf("allow-listed sender rejected: %v", err)
		}
	})
}

func TestVerifyEnvelopeWithoutKey(t *testing.T) {
	s := newKeyStore(t)
	key, err := s.GenerateAgentKey("ana", AlgorithmHMAC, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	env := signedEnvelope(t, key)
	// Signature present, but no key on file for the claimed sender.
	env.From = "ghost"

	v := NewEnvelopeVerifier(s, VerifyPolicy{})
	if err := v.VerifyEnvelope(env); !errors.Is(err, ErrNoKey) {
		t.Errorf("err = %v, want ErrNoKey", err)
	}
}

func TestLoadVerifyPolicy(t *testing.T) {
	t.Run("missing file is permissive", func(t *testing.T) {
		p, err := LoadVerifyPolicy(t.TempDir())
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if p.RequireSignatures {
			t.Error("zero policy should not require signatures")
		}
	})

	t.Run("configured", func(t *testing.T) {
		dir := t.TempDir()
		contents := `{"requireSignatures": true, "allowUnsignedFrom": ["monitor"]}`
		if err := os.WriteFile(filepath.Join(dir, "signing.json"), []byte(contents), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		p, err := LoadVerifyPolicy(dir)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if !p.RequireSignatures || len(p.AllowUnsignedFrom) != 1 || p.AllowUnsignedFrom[0] != "monitor" {
			t.Errorf("policy = %+v", p)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "signing.json"), []byte("{{"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := LoadVerifyPolicy(dir); err == nil {
			t.Error("want parse error")
		}
	})
}
