// Package archivecrypto seals archived message content at rest.
package archivecrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/model"
)

// KeyLen is the size of master and conversation keys.
const KeyLen = 32

const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1

	saltPrefix = "chatsync-archive:"
)

// ErrCiphertext reports a blob that cannot be opened with this key.
var ErrCiphertext = errors.New("archive ciphertext invalid")

// DeriveMaster derives the master key from the archive secret using Argon2id.
// The salt binds the key to the owning account.
func DeriveMaster(secret, username string) ([]byte, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("archive secret: %w", errs.ErrInvalidArgument)
	}
	salt := []byte(saltPrefix + username)
	return argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, KeyLen), nil
}

// Sealer encrypts content under a per-conversation key derived from the master key.
type Sealer struct {
	master []byte

	mu   sync.Mutex
	keys map[model.ConversationKey][]byte
}

// NewSealer returns a Sealer for a master key of KeyLen bytes.
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) != KeyLen {
		return nil, fmt.Errorf("master key length %d: %w", len(master), errs.ErrInvalidArgument)
	}
	return &Sealer{master: append([]byte(nil), master...), keys: make(map[model.ConversationKey][]byte)}, nil
}

// conversationKey derives the key of conv via HKDF-SHA256 with the key string as info.
func (s *Sealer) conversationKey(conv model.ConversationKey) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[conv]; ok {
		return k, nil
	}
	r := hkdf.New(sha256.New, s.master, nil, []byte(conv.String()))
	k := make([]byte, KeyLen)
	if _, err := r.Read(k); err != nil {
		return nil, err
	}
	s.keys[conv] = k
	return k, nil
}

// aad binds a blob to its conversation and message id.
func aad(conv model.ConversationKey, id uuid.UUID) []byte {
	out := make([]byte, 0, len(conv.String())+len(id))
	out = append(out, conv.String()...)
	return append(out, id.Bytes()...)
}

// Seal encrypts plaintext with XChaCha20-Poly1305; the output is nonce||ciphertext.
func (s *Sealer) Seal(conv model.ConversationKey, id uuid.UUID, plaintext []byte) ([]byte, error) {
	key, err := s.conversationKey(conv)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad(conv, id)), nil
}

// Open decrypts a blob produced by Seal for the same conversation and id.
func (s *Sealer) Open(conv model.ConversationKey, id uuid.UUID, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrCiphertext
	}
	key, err := s.conversationKey(conv)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, ct := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	out, err := aead.Open(nil, nonce, ct, aad(conv, id))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCiphertext, err)
	}
	return out, nil
}
