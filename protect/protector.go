package protect

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/crypto/hkdf"
)

// ErrInvalidPayload is returned when a payload cannot be decrypted or fails
// authentication.
var ErrInvalidPayload = errors.New("protected payload is invalid")

// Protector encrypts payloads as compact JWE (dir, A256GCM) under a key
// derived from the master key and the protector's purpose, so output of one
// purpose never decrypts under another.
type Protector struct {
	ring    *KeyRing
	purpose string
}

// Protect encrypts plaintext with the current key.
func (p *Protector) Protect(plaintext []byte) ([]byte, error) {
	master := p.ring.currentKey()
	key, err := derive(master.Key, p.purpose)
	if err != nil {
		return nil, err
	}
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{
		Algorithm: jose.DIRECT,
		Key:       key,
		KeyID:     master.ID,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create encrypter: %w", err)
	}
	obj, err := enc.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	return []byte(compact), nil
}

// Unprotect decrypts a payload produced by Protect with the same purpose.
// Every failure wraps ErrInvalidPayload.
func (p *Protector) Unprotect(protected []byte) ([]byte, error) {
	obj, err := jose.ParseEncrypted(string(protected))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	master, ok := p.ring.lookup(obj.Header.KeyID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown key id %q", ErrInvalidPayload, obj.Header.KeyID)
	}
	key, err := derive(master.Key, p.purpose)
	if err != nil {
		return nil, err
	}
	plaintext, err := obj.Decrypt(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return plaintext, nil
}

func derive(master []byte, purpose string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
