package patient

import (
	"fmt"

	"github.com/ehr/vitalwatch/internal/platform/hipaa"
)

// phiCodec encrypts the patient name column. A nil encryptor stores
// plaintext.
type phiCodec struct {
	enc hipaa.FieldEncryptor
}

func (c phiCodec) seal(value string) (string, error) {
	if c.enc == nil || value == "" {
		return value, nil
	}
	sealed, err := c.enc.Encrypt(value)
	if err != nil {
		return "", fmt.Errorf("encrypting PHI field: %w", err)
	}
	return sealed, nil
}

func (c phiCodec) open(p *Patient) error {
	if c.enc == nil || p.Name == "" {
		return nil
	}
	name, err := c.enc.Decrypt(p.Name)
	if err != nil {
		return fmt.Errorf("decrypting PHI field for %s: %w", p.ID, err)
	}
	p.Name = name
	return nil
}
