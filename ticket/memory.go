package ticket

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps session tickets in process memory. Expired tickets are
// treated as missing and removed by the sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]record
	codec   *Codec
	clock   func() time.Time
	sweep   *sweeper
}

// NewMemoryStore constructs the store.
func NewMemoryStore(p Protector, opts Options) *MemoryStore {
	opts = opts.withDefaults()
	s := &MemoryStore{
		records: make(map[string]record),
		codec:   NewCodec(p),
		clock:   opts.Clock,
	}
	s.sweep = newSweeper(opts, "memory", s.purge)
	return s
}

func (s *MemoryStore) Store(ctx context.Context, t *Ticket) (string, error) {
	s.sweep.trigger()
	payload, err := s.codec.Encode(t)
	if err != nil {
		return "", err
	}
	key := newKey()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = record{
		Scheme:         t.Scheme,
		Subject:        t.Subject(),
		RegistrationID: t.RegistrationID(),
		CreatedAt:      s.clock(),
		ExpiresAt:      t.Properties.ExpiresAt,
		Version:        1,
		Payload:        payload,
	}
	t.Version = 1
	return key, nil
}

func (s *MemoryStore) Renew(ctx context.Context, key string, t *Ticket) error {
	s.sweep.trigger()
	if err := checkKey(key); err != nil {
		return err
	}
	payload, err := s.codec.Encode(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if rec.Version != t.Version {
		return ErrConcurrentUpdate
	}
	rec.Subject = t.Subject()
	rec.RegistrationID = t.RegistrationID()
	rec.ExpiresAt = t.Properties.ExpiresAt
	rec.Payload = payload
	rec.Version++
	s.records[key] = rec
	t.Version = rec.Version
	return nil
}

func (s *MemoryStore) Retrieve(ctx context.Context, key string) (*Ticket, error) {
	s.sweep.trigger()
	if err := checkKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok || rec.expired(s.clock()) {
		return nil, nil
	}
	t, err := s.codec.Decode(rec.Payload)
	if err != nil {
		return nil, err
	}
	t.Version = rec.Version
	return t, nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.sweep.trigger()
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Len reports the number of records, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close waits for an in-flight sweep.
func (s *MemoryStore) Close() error {
	s.sweep.close()
	return nil
}

func (s *MemoryStore) purge(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for key, rec := range s.records {
		if rec.expired(now) {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}
