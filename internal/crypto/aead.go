package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// AEADEncryptor provides AES-256-GCM envelope encryption with per-record
// data keys. Bank account and routing numbers are sealed with it before they
// touch storage.
type AEADEncryptor struct {
	kms KMS
}

// NewAEADEncryptor creates an encryptor backed by the given KMS.
func NewAEADEncryptor(kms KMS) *AEADEncryptor {
	return &AEADEncryptor{kms: kms}
}

// EncryptedData holds ciphertext together with the wrapped data key.
type EncryptedData struct {
	Ciphertext   []byte
	EncryptedKey []byte
	Nonce        []byte
	KeyID        string
}

// Encrypt seals plaintext under a fresh data key. additionalData is
// authenticated but not encrypted; pass a stable record identifier so a
// ciphertext cannot be replayed onto another record.
func (a *AEADEncryptor) Encrypt(ctx context.Context, plaintext, additionalData []byte) (*EncryptedData, error) {
	keyID, err := a.kms.KeyID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key id: %w", err)
	}

	dataKey, wrappedKey, err := a.kms.GenerateDataKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedData{
		Ciphertext:   gcm.Seal(nil, nonce, plaintext, additionalData),
		EncryptedKey: wrappedKey,
		Nonce:        nonce,
		KeyID:        keyID,
	}, nil
}

// Decrypt unwraps the data key and opens the ciphertext.
func (a *AEADEncryptor) Decrypt(ctx context.Context, data *EncryptedData, additionalData []byte) ([]byte, error) {
	dataKey, err := a.kms.Decrypt(ctx, data.EncryptedKey, data.KeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}

	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, data.Nonce, data.Ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
