package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrFileIntegrity reports that a decrypted file payload did not match its
// integrity digest.
var ErrFileIntegrity = errors.New("crypto: file integrity check failed")

// EncryptedFile carries an encrypted file payload plus an integrity digest of
// the plaintext.
type EncryptedFile struct {
	Data string `json:"data"`
	Hash string `json:"hash"`
}

// EncryptFile seals file data (images, attachments) in the compact
// base64(iv||ciphertext) encoding used for file payloads, together with a
// SHA-256 digest of the plaintext for end-to-end integrity checking.
func EncryptFile(data string, key []byte) (EncryptedFile, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedFile{}, fmt.Errorf("create AES cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedFile{}, fmt.Errorf("generate IV: %w", err)
	}

	padded := pkcs7Pad([]byte(data), aes.BlockSize)
	sealed := make([]byte, len(iv)+len(padded))
	copy(sealed, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(sealed[len(iv):], padded)

	return EncryptedFile{
		Data: base64.StdEncoding.EncodeToString(sealed),
		Hash: Hash(data),
	}, nil
}

// DecryptFile opens an encrypted file payload and, when the digest is
// present, verifies plaintext integrity.
func DecryptFile(file EncryptedFile, key []byte) (string, error) {
	data, err := Decrypt(file.Data, key)
	if err != nil {
		return "", err
	}

	if file.Hash != "" && Hash(data) != file.Hash {
		return "", ErrFileIntegrity
	}

	return data, nil
}
