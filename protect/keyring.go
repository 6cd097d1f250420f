// Package protect provides purpose-bound authenticated encryption for cookie
// payloads and stored session tickets.
package protect

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	keySize     = 32
	maxPrevious = 3
)

type masterKey struct {
	ID        string    `json:"kid"`
	Key       []byte    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

type keyFile struct {
	Keys []masterKey `json:"keys"`
}

// Config locates and schedules the master keys.
type Config struct {
	// KeyFile persists the key ring. Empty keeps keys in memory only, which
	// invalidates every cookie on restart.
	KeyFile        string
	RotateInterval time.Duration
}

// KeyRing holds the current master key and the previous ones still accepted
// for decryption.
type KeyRing struct {
	mu          sync.RWMutex
	current     masterKey
	previous    []masterKey
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewKeyRing loads the key ring from disk or creates one.
func NewKeyRing(cfg Config, logger *slog.Logger) (*KeyRing, error) {
	ring := &KeyRing{
		rotateEvery: cfg.RotateInterval,
		storePath:   cfg.KeyFile,
		logger:      logger,
	}

	if cfg.KeyFile != "" {
		if err := ring.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load key ring: %w", err)
		}
	}

	if ring.current.Key == nil {
		if err := ring.Rotate(); err != nil {
			return nil, err
		}
		logger.Info("data protection key created", "kid", ring.current.ID, "persisted", cfg.KeyFile != "")
	}
	return ring, nil
}

// NewStaticKeyRing wraps a fixed 32-byte master key.
func NewStaticKeyRing(key []byte) (*KeyRing, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(key))
	}
	return &KeyRing{
		current: masterKey{ID: "static", Key: append([]byte(nil), key...), CreatedAt: time.Now()},
		logger:  slog.New(slog.DiscardHandler),
	}, nil
}

// StartRotation launches the background rotation ticker.
func (k *KeyRing) StartRotation(stop <-chan struct{}) {
	if k.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(k.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := k.Rotate(); err != nil {
					k.logger.Error("data protection key rotation failed", "error", err)
					continue
				}
				k.logger.Info("data protection key rotated", "kid", k.CurrentKeyID())
			case <-stop:
				return
			}
		}
	}()
}

// Rotate makes a fresh key current and keeps the old one for decryption.
func (k *KeyRing) Rotate() error {
	buf := make([]byte, keySize)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate master key: %w", err)
	}
	kidBuf := make([]byte, 6)
	if _, err := rand.Read(kidBuf); err != nil {
		return fmt.Errorf("generate key id: %w", err)
	}

	k.mu.Lock()
	if k.current.Key != nil {
		k.previous = append([]masterKey{k.current}, k.previous...)
		if len(k.previous) > maxPrevious {
			k.previous = k.previous[:maxPrevious]
		}
	}
	k.current = masterKey{ID: hex.EncodeToString(kidBuf), Key: buf, CreatedAt: time.Now()}
	k.mu.Unlock()

	if k.storePath != "" {
		return k.persist()
	}
	return nil
}

// CurrentKeyID returns the id stamped into newly protected payloads.
func (k *KeyRing) CurrentKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current.ID
}

// Protector returns a protector whose keys are derived for purpose.
func (k *KeyRing) Protector(purpose string) *Protector {
	return &Protector{ring: k, purpose: purpose}
}

func (k *KeyRing) currentKey() masterKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

func (k *KeyRing) lookup(kid string) (masterKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if kid == k.current.ID {
		return k.current, true
	}
	for _, prev := range k.previous {
		if prev.ID == kid {
			return prev, true
		}
	}
	return masterKey{}, false
}

func (k *KeyRing) persist() error {
	k.mu.RLock()
	file := keyFile{Keys: append([]masterKey{k.current}, k.previous...)}
	k.mu.RUnlock()

	payload, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.storePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(k.storePath, payload, 0o600)
}

func (k *KeyRing) loadFromDisk() error {
	payload, err := os.ReadFile(k.storePath)
	if err != nil {
		return err
	}
	var file keyFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return err
	}
	if len(file.Keys) == 0 {
		return errors.New("no keys in key file")
	}
	for i, key := range file.Keys {
		if len(key.Key) != keySize || key.ID == "" {
			return fmt.Errorf("key %d in key file is malformed", i)
		}
	}
	k.current = file.Keys[0]
	k.previous = file.Keys[1:]
	return nil
}
