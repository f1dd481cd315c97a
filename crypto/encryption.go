package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// BlobVersion is the encoding version emitted by Encrypt.
	BlobVersion = 2

	// FailurePlaceholder is rendered in place of message content that could
	// not be decrypted, so a single bad payload never takes down the
	// conversation view.
	FailurePlaceholder = "[🔒 Message could not be decrypted]"
)

// ErrDecryptFailed reports that a payload could not be decrypted. Every
// decryption failure (wrong key, corrupted ciphertext, malformed blob) wraps
// this sentinel; Decrypt never panics.
var ErrDecryptFailed = errors.New("crypto: payload could not be decrypted")

// EncryptedBlob is the self-describing on-wire payload format. The IV travels
// inside the blob, so storage and transport need no side channel for it.
type EncryptedBlob struct {
	Version int    `json:"v,omitempty"`
	IV      string `json:"iv"`
	Data    string `json:"data"`
}

// Encrypt seals plaintext with AES-256-CBC and PKCS#7 padding under a fresh
// random IV, and returns the serialized blob. The IV is never reused, even
// for identical plaintext and key.
func Encrypt(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create AES cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate IV: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	raw, err := json.Marshal(EncryptedBlob{
		Version: BlobVersion,
		IV:      hex.EncodeToString(iv),
		Data:    base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", fmt.Errorf("marshal encrypted blob: %w", err)
	}

	return string(raw), nil
}

// Decrypt opens a payload produced by Encrypt or by either older on-wire
// encoding (a version-less JSON blob, or the legacy base64(iv||ciphertext)
// concatenation). All failures wrap ErrDecryptFailed.
func Decrypt(payload string, key []byte) (string, error) {
	iv, ciphertext, err := decodeBlob(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrDecryptFailed)
	}

	return string(plaintext), nil
}

func decodeBlob(payload string) (iv, ciphertext []byte, err error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return nil, nil, errors.New("payload is empty")
	}

	if strings.HasPrefix(trimmed, "{") {
		var blob EncryptedBlob
		if err := json.Unmarshal([]byte(trimmed), &blob); err != nil {
			return nil, nil, fmt.Errorf("parse blob JSON: %w", err)
		}
		// Version 0 is the pre-versioning JSON encoding; its fields are
		// identical to version 2.
		if blob.Version != 0 && blob.Version != BlobVersion {
			return nil, nil, fmt.Errorf("unsupported blob version %d", blob.Version)
		}

		iv, err = hex.DecodeString(blob.IV)
		if err != nil {
			return nil, nil, fmt.Errorf("decode IV hex: %w", err)
		}
		ciphertext, err = base64.StdEncoding.DecodeString(blob.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("decode ciphertext base64: %w", err)
		}
	} else {
		// Legacy format: base64 of IV followed by ciphertext.
		raw, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, nil, fmt.Errorf("decode legacy payload base64: %w", err)
		}
		if len(raw) <= aes.BlockSize {
			return nil, nil, fmt.Errorf("legacy payload too short: %d bytes", len(raw))
		}
		iv = raw[:aes.BlockSize]
		ciphertext = raw[aes.BlockSize:]
	}

	if len(iv) != aes.BlockSize {
		return nil, nil, fmt.Errorf("invalid IV length: got %d want %d", len(iv), aes.BlockSize)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, nil, fmt.Errorf("invalid ciphertext length %d", len(ciphertext))
	}

	return iv, ciphertext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}

	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding value %d", padding)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("inconsistent padding bytes")
		}
	}

	return data[:len(data)-padding], nil
}
