package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestEncryptor(t *testing.T) *AEADEncryptor {
	t.Helper()
	kms, err := NewFileKMS(t.TempDir(), "test-master")
	require.NoError(t, err)
	return NewAEADEncryptor(kms)
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	enc := newTestEncryptor(t)
	ctx := context.Background()

	data, err := enc.Encrypt(ctx, []byte("000123456789"), []byte("acct-1|account_number"))
	require.NoError(t, err)
	require.NotEmpty(t, data.Ciphertext)
	require.NotEmpty(t, data.EncryptedKey)
	require.Len(t, data.Nonce, 12)
	require.Equal(t, "test-master", data.KeyID)
	require.NotContains(t, string(data.Ciphertext), "000123456789")

	plaintext, err := enc.Decrypt(ctx, data, []byte("acct-1|account_number"))
	require.NoError(t, err)
	require.Equal(t, "000123456789", string(plaintext))
}

func TestDecryptRejectsWrongAdditionalData(t *testing.T) {
	enc := newTestEncryptor(t)
	ctx := context.Background()

	data, err := enc.Encrypt(ctx, []byte("021000021"), []byte("acct-1|routing_number"))
	require.NoError(t, err)

	// The ciphertext from one record must not open under another record's
	// identity.
	_, err = enc.Decrypt(ctx, data, []byte("acct-2|routing_number"))
	require.Error(t, err)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	enc := newTestEncryptor(t)
	ctx := context.Background()

	data, err := enc.Encrypt(ctx, []byte("secret"), []byte("aad"))
	require.NoError(t, err)

	data.Ciphertext[0] ^= 0xff
	_, err = enc.Decrypt(ctx, data, []byte("aad"))
	require.Error(t, err)
}

func TestEachRecordGetsItsOwnDataKey(t *testing.T) {
	enc := newTestEncryptor(t)
	ctx := context.Background()

	a, err := enc.Encrypt(ctx, []byte("same plaintext"), []byte("aad"))
	require.NoError(t, err)
	b, err := enc.Encrypt(ctx, []byte("same plaintext"), []byte("aad"))
	require.NoError(t, err)

	require.NotEqual(t, a.EncryptedKey, b.EncryptedKey)
	require.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestFileKMSPersistsMasterKey(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileKMS(dir, "test-master")
	require.NoError(t, err)
	data, err := NewAEADEncryptor(first).Encrypt(ctx, []byte("payload"), nil)
	require.NoError(t, err)

	// A fresh KMS over the same directory can still unwrap old data keys.
	second, err := NewFileKMS(dir, "test-master")
	require.NoError(t, err)
	plaintext, err := NewAEADEncryptor(second).Decrypt(ctx, data, nil)
	require.NoError(t, err)
	require.Equal(t, "payload", string(plaintext))
}
