// Package signing provides per-agent envelope authentication with either a
// symmetric HMAC-SHA256 secret or an Ed25519 key pair. Keys live on disk as
// <agent>.key.json under the daemon's config directory.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Algorithm selects the signature scheme.
type Algorithm string

const (
	AlgorithmHMAC    Algorithm = "hmac-sha256" // symmetric, fastest
	AlgorithmEd25519 Algorithm = "ed25519"     // asymmetric, public verification
)

// AgentKey is the persisted key record for one agent.
type AgentKey struct {
	AgentName  string    `json:"agentName"`
	Algorithm  Algorithm `json:"algorithm"`
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	CreatedAt  int64     `json:"createdAt"`
	ExpiresAt  int64     `json:"expiresAt,omitempty"`
}

// Expired reports whether the key has an expiry in the past.
func (k *AgentKey) Expired(now time.Time) bool {
	return k.ExpiresAt > 0 && now.UnixMilli() >= k.ExpiresAt
}

// keyCacheSize bounds the in-memory key cache; key files are tiny but the
// verify path runs per envelope.
const keyCacheSize = 256

// KeyStore loads and saves agent key files, with an LRU read cache.
type KeyStore struct {
	dir   string
	cache *lru.Cache[string, *AgentKey]
}

func NewKeyStore(dir string) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("signing: create key dir: %w", err)
	}
	cache, err := lru.New[string, *AgentKey](keyCacheSize)
	if err != nil {
		return nil, err
	}
	return &KeyStore{dir: dir, cache: cache}, nil
}

func (s *KeyStore) keyPath(agent string) string {
	return filepath.Join(s.dir, agent+".key.json")
}

// GenerateAgentKey creates, persists and returns a fresh key. expiresIn of
// zero means the key never expires.
func (s *KeyStore) GenerateAgentKey(agent string, alg Algorithm, expiresIn time.Duration) (*AgentKey, error) {
	key := &AgentKey{
		AgentName: agent,
		Algorithm: alg,
		CreatedAt: time.Now().UnixMilli(),
	}
	if expiresIn > 0 {
		key.ExpiresAt = time.Now().Add(expiresIn).UnixMilli()
	}

	switch alg {
	case AlgorithmHMAC:
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("signing: generate secret: %w", err)
		}
		key.PrivateKey = base64.StdEncoding.EncodeToString(secret)
		// The key id must not leak the secret: publish its digest.
		digest := sha256.Sum256(secret)
		key.PublicKey = hex.EncodeToString(digest[:])
	case AlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("signing: generate ed25519 key: %w", err)
		}
		key.PublicKey = base64.StdEncoding.EncodeToString(pub)
		key.PrivateKey = base64.StdEncoding.EncodeToString(priv)
	default:
		return nil, fmt.Errorf("signing: unsupported algorithm %q", alg)
	}

	if err := s.SaveAgentKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *KeyStore) SaveAgentKey(key *AgentKey) error {
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("signing: marshal key: %w", err)
	}
	if err := os.WriteFile(s.keyPath(key.AgentName), data, 0o600); err != nil {
		return fmt.Errorf("signing: write key file: %w", err)
	}
	s.cache.Add(key.AgentName, key)
	return nil
}

// LoadAgentKey returns the agent's key, or nil for a missing or already
// expired key. Expired keys are purged from the cache but left on disk for
// operator inspection.
func (s *KeyStore) LoadAgentKey(agent string) (*AgentKey, error) {
	if key, ok := s.cache.Get(agent); ok {
		if key.Expired(time.Now()) {
			s.cache.Remove(agent)
			return nil, nil
		}
		return key, nil
	}

	data, err := os.ReadFile(s.keyPath(agent))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signing: read key file: %w", err)
	}
	var key AgentKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("signing: parse key file: %w", err)
	}
	if key.Expired(time.Now()) {
		return nil, nil
	}
	s.cache.Add(agent, &key)
	return &key, nil
}
