package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-multibank/core"
)

type Option func(*AppKeySecretProvider)

type appKey struct {
	id      string
	version int
	aead    cipher.AEAD
}

func (k appKey) ref() string {
	return fmt.Sprintf("%s@%d", k.id, k.version)
}

// AppKeySecretProvider seals institution tokens and client secrets with an
// application key. Older keys registered with WithPreviousKey keep opening
// values sealed before a rotation; new values always use the current key.
type AppKeySecretProvider struct {
	current  appKey
	previous map[string]appKey
	err      error
}

func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			provider.current.id = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(provider *AppKeySecretProvider) {
		if version > 0 {
			provider.current.version = version
		}
	}
}

// WithPreviousKey registers a retired key that may still decrypt.
func WithPreviousKey(id string, version int, keyMaterial []byte) Option {
	return func(provider *AppKeySecretProvider) {
		key, err := newAppKey(id, version, keyMaterial)
		if err != nil {
			provider.err = err
			return
		}
		provider.previous[key.ref()] = key
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	provider := &AppKeySecretProvider{previous: map[string]appKey{}}
	provider.current.id = "app-key"
	provider.current.version = 1
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(provider)
	}
	if provider.err != nil {
		return nil, provider.err
	}
	current, err := newAppKey(provider.current.id, provider.current.version, keyMaterial)
	if err != nil {
		return nil, err
	}
	provider.current = current
	delete(provider.previous, current.ref())
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if p == nil || p.current.aead == nil {
		return nil, fmt.Errorf("security: secret provider is not configured")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	nonce := make([]byte, p.current.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	aad := associatedData(ctx)
	sealed := p.current.aead.Seal(nil, nonce, plaintext, aad)
	return encodeEnvelope(envelope{
		KeyID:      p.current.id,
		Version:    p.current.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		Bound:      len(aad) > 0,
	})
}

func (p *AppKeySecretProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil || p.current.aead == nil {
		return nil, fmt.Errorf("security: secret provider is not configured")
	}
	env, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	if env.Algorithm != envelopeAlgorithm {
		return nil, fmt.Errorf("security: unsupported envelope algorithm %q", env.Algorithm)
	}
	key, err := p.keyFor(env)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeBase64(env.Nonce, "nonce")
	if err != nil {
		return nil, err
	}
	sealed, err := decodeBase64(env.Ciphertext, "ciphertext")
	if err != nil {
		return nil, err
	}
	var aad []byte
	if env.Bound {
		aad = associatedData(ctx)
	}
	plaintext, err := key.aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

// NeedsRotation reports whether ciphertext was sealed with a key other
// than the current one.
func (p *AppKeySecretProvider) NeedsRotation(ciphertext []byte) (bool, error) {
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return false, err
	}
	return meta.KeyID != p.KeyID() || meta.Version != p.Version(), nil
}

func (p *AppKeySecretProvider) keyFor(env envelope) (appKey, error) {
	ref := fmt.Sprintf("%s@%d", env.KeyID, env.Version)
	if ref == p.current.ref() {
		return p.current, nil
	}
	if key, ok := p.previous[ref]; ok {
		return key, nil
	}
	return appKey{}, fmt.Errorf("security: no key registered for %s (current %s)", ref, p.current.ref())
}

func (p *AppKeySecretProvider) KeyID() string {
	if p == nil {
		return ""
	}
	return p.current.id
}

func (p *AppKeySecretProvider) Version() int {
	if p == nil {
		return 0
	}
	return p.current.version
}

func newAppKey(id string, version int, keyMaterial []byte) (appKey, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return appKey{}, fmt.Errorf("security: key id is required")
	}
	if version <= 0 {
		return appKey{}, fmt.Errorf("security: key version must be positive")
	}
	material := bytes.TrimSpace(keyMaterial)
	if len(material) == 0 {
		return appKey{}, fmt.Errorf("security: key material is required")
	}
	block, err := aes.NewCipher(normalizeKey(material))
	if err != nil {
		return appKey{}, fmt.Errorf("security: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return appKey{}, fmt.Errorf("security: create gcm: %w", err)
	}
	return appKey{id: id, version: version, aead: aead}, nil
}

// normalizeKey keeps raw AES key sizes and hashes anything else to 32 bytes.
func normalizeKey(value []byte) []byte {
	if len(value) == 16 || len(value) == 24 || len(value) == 32 {
		return append([]byte(nil), value...)
	}
	sum := sha256.Sum256(value)
	return sum[:]
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
