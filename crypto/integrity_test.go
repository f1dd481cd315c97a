package crypto

import (
	"errors"
	"testing"
)

func TestHashIsStable(t *testing.T) {
	first := Hash("hello")
	second := Hash("hello")
	if first != second {
		t.Fatalf("expected stable digest, got %q then %q", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}
	if Hash("hello") == Hash("hello!") {
		t.Fatalf("expected distinct content to produce distinct digests")
	}
}

func TestHMACVerify(t *testing.T) {
	key := []byte("integrity-test-key")
	tag := HMAC("payload", key)

	if !VerifyHMAC("payload", key, tag) {
		t.Fatalf("expected tag to verify")
	}
	if VerifyHMAC("tampered", key, tag) {
		t.Fatalf("expected tampered content to fail verification")
	}
	if VerifyHMAC("payload", []byte("other-key"), tag) {
		t.Fatalf("expected wrong key to fail verification")
	}
	if VerifyHMAC("payload", key, "not-hex") {
		t.Fatalf("expected malformed tag to fail verification")
	}
}

func TestEncryptFileRoundTrip(t *testing.T) {
	key := testKey(t)

	file, err := EncryptFile("image bytes here", key)
	if err != nil {
		t.Fatalf("EncryptFile failed: %v", err)
	}
	if file.Hash != Hash("image bytes here") {
		t.Fatalf("expected plaintext digest in file envelope")
	}

	data, err := DecryptFile(file, key)
	if err != nil {
		t.Fatalf("DecryptFile failed: %v", err)
	}
	if data != "image bytes here" {
		t.Fatalf("round trip mismatch: got %q", data)
	}
}

func TestDecryptFileRejectsDigestMismatch(t *testing.T) {
	key := testKey(t)

	file, err := EncryptFile("original", key)
	if err != nil {
		t.Fatalf("EncryptFile failed: %v", err)
	}
	file.Hash = Hash("different content")

	if _, err := DecryptFile(file, key); !errors.Is(err, ErrFileIntegrity) {
		t.Fatalf("expected ErrFileIntegrity, got %v", err)
	}
}

func TestDecryptFileSkipsMissingDigest(t *testing.T) {
	key := testKey(t)

	file, err := EncryptFile("no digest", key)
	if err != nil {
		t.Fatalf("EncryptFile failed: %v", err)
	}
	file.Hash = ""

	data, err := DecryptFile(file, key)
	if err != nil {
		t.Fatalf("DecryptFile without digest failed: %v", err)
	}
	if data != "no digest" {
		t.Fatalf("got %q want %q", data, "no digest")
	}
}
