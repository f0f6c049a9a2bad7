package hipaa

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Ciphertexts written by RotatingEncryptor look like "v2:<base64>".
const (
	keyVersionPrefix    = "v"
	keyVersionSeparator = ":"
)

// RotatingEncryptor encrypts with the current key version and decrypts with
// whichever registered version sealed the value.
type RotatingEncryptor struct {
	mu         sync.RWMutex
	current    *PHIEncryptor
	currentVer int
	previous   map[int]*PHIEncryptor
}

func NewRotatingEncryptor(currentKey []byte, currentVersion int) (*RotatingEncryptor, error) {
	enc, err := NewPHIEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("rotating encryptor: current key: %w", err)
	}
	return &RotatingEncryptor{
		current:    enc,
		currentVer: currentVersion,
		previous:   make(map[int]*PHIEncryptor),
	}, nil
}

// AddPreviousKey registers a retired key so rows sealed with it stay readable.
func (r *RotatingEncryptor) AddPreviousKey(key []byte, version int) error {
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return fmt.Errorf("rotating encryptor: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous[version] = enc
	return nil
}

func (r *RotatingEncryptor) Encrypt(plaintext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ciphertext, err := r.current.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return keyVersionPrefix + strconv.Itoa(r.currentVer) + keyVersionSeparator + ciphertext, nil
}

// Decrypt accepts versioned ciphertext and falls back to the current key for
// unversioned values.
func (r *RotatingEncryptor) Decrypt(ciphertext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, data, ok := splitVersion(ciphertext)
	if !ok || version == r.currentVer {
		if !ok {
			data = ciphertext
		}
		return r.current.Decrypt(data)
	}
	enc, found := r.previous[version]
	if !found {
		return "", fmt.Errorf("no key available for version %d", version)
	}
	return enc.Decrypt(data)
}

// NeedsReEncryption reports whether ciphertext was sealed by a key other than
// the current one.
func (r *RotatingEncryptor) NeedsReEncryption(ciphertext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, _, ok := splitVersion(ciphertext)
	return !ok || version != r.currentVer
}

// ReEncrypt reseals ciphertext under the current key.
func (r *RotatingEncryptor) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := r.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: decrypt: %w", err)
	}
	return r.Encrypt(plaintext)
}

func (r *RotatingEncryptor) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

func splitVersion(s string) (int, string, bool) {
	if !strings.HasPrefix(s, keyVersionPrefix) {
		return 0, "", false
	}
	head, rest, found := strings.Cut(s[len(keyVersionPrefix):], keyVersionSeparator)
	if !found {
		return 0, "", false
	}
	version, err := strconv.Atoi(head)
	if err != nil {
		return 0, "", false
	}
	return version, rest, true
}
