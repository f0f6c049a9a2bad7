package hipaa

import (
	"crypto/rand"
	"strings"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func TestNewPHIEncryptor_KeyLength(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"valid 32-byte key", 32, false},
		{"key too short", 16, true},
		{"key too long", 64, true},
		{"empty key", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPHIEncryptor(make([]byte, tt.size))
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPHIEncryptor(%d bytes) err = %v, wantErr %v", tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestPHIEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	for _, plaintext := range []string{"Ann", "", "José Álvarez-Núñez", strings.Repeat("x", 4096)} {
		ciphertext, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		if ciphertext == plaintext {
			t.Errorf("ciphertext equals plaintext %q", plaintext)
		}
		got, err := enc.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != plaintext {
			t.Errorf("roundtrip: got %q, want %q", got, plaintext)
		}
	}
}

func TestPHIEncryptor_NonceIsRandom(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	a, _ := enc.Encrypt("Ann")
	b, _ := enc.Encrypt("Ann")
	if a == b {
		t.Error("expected distinct ciphertexts for the same plaintext")
	}
}

func TestPHIEncryptor_DecryptFailures(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	other, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	sealed, _ := other.Encrypt("Ann")

	tests := []struct {
		name       string
		ciphertext string
	}{
		{"not base64", "!!!"},
		{"too short", "AAAA"},
		{"wrong key", sealed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := enc.Decrypt(tt.ciphertext); err == nil {
				t.Error("expected decrypt error")
			}
		})
	}
}
