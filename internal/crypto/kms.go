package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// KMS defines key management operations used by the AEAD encryptor.
type KMS interface {
	GenerateDataKey(ctx context.Context, keyID string) (plaintext, wrapped []byte, err error)
	Decrypt(ctx context.Context, wrapped []byte, keyID string) ([]byte, error)
	KeyID(ctx context.Context) (string, error)
}

// FileKMS is a local KMS for development and tests. Master keys live on disk
// (mode 0600); data keys are wrapped with AES-GCM under the master key.
// Production deployments point the config at a cloud KMS reference instead.
type FileKMS struct {
	dir       string
	defaultID string
	mu        sync.Mutex
	keys      map[string][]byte
}

// NewFileKMS creates a FileKMS rooted at dir with the given default key id.
func NewFileKMS(dir, defaultKeyID string) (*FileKMS, error) {
	if defaultKeyID == "" {
		return nil, errors.New("default key id must not be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}
	return &FileKMS{
		dir:       dir,
		defaultID: defaultKeyID,
		keys:      make(map[string][]byte),
	}, nil
}

func (f *FileKMS) KeyID(ctx context.Context) (string, error) {
	return f.defaultID, nil
}

func (f *FileKMS) GenerateDataKey(ctx context.Context, keyID string) ([]byte, []byte, error) {
	master, err := f.masterKey(keyID, true)
	if err != nil {
		return nil, nil, err
	}

	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	wrapped, err := wrapKey(master, dataKey)
	if err != nil {
		return nil, nil, err
	}
	return dataKey, wrapped, nil
}

func (f *FileKMS) Decrypt(ctx context.Context, wrapped []byte, keyID string) ([]byte, error) {
	master, err := f.masterKey(keyID, false)
	if err != nil {
		return nil, err
	}
	return unwrapKey(master, wrapped)
}

// masterKey loads or (when create is set) generates the master key for keyID.
func (f *FileKMS) masterKey(keyID string, create bool) ([]byte, error) {
	if keyID == "" {
		return nil, errors.New("key id must not be empty")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if key, ok := f.keys[keyID]; ok {
		return key, nil
	}

	path := filepath.Join(f.dir, keyID+".key")
	raw, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("corrupt master key %s: %w", keyID, err)
		}
		f.keys[keyID] = key
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}
	if !create {
		return nil, fmt.Errorf("master key not found for key id %s", keyID)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist master key: %w", err)
	}
	f.keys[keyID] = key
	return key, nil
}

func wrapKey(master, dataKey []byte) ([]byte, error) {
	gcm, err := masterGCM(master)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate wrap nonce: %w", err)
	}
	return append(nonce, gcm.Seal(nil, nonce, dataKey, nil)...), nil
}

func unwrapKey(master, wrapped []byte) ([]byte, error) {
	gcm, err := masterGCM(master)
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, errors.New("wrapped key too short")
	}
	nonce, ct := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	key, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key: %w", err)
	}
	return key, nil
}

func masterGCM(master []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(master)
	if err != nil {
		return nil, fmt.Errorf("failed to create master cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create master GCM: %w", err)
	}
	return gcm, nil
}
