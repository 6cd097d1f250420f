package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"smartbff/telemetry"
)

// Protection purposes for stored payloads. The memory and redis stores share
// the cache purpose; the SQL store has its own, so a payload copied from one
// family into the other does not decrypt.
const (
	PurposeCacheStore      = "SmartBff.DistributedCacheTicketStore.v1"
	PurposeRelationalStore = "SmartBff.RelationalTicketStore.v1"
)

var (
	// ErrInvalidKey is returned for keys that were not issued by a store.
	ErrInvalidKey = errors.New("invalid ticket key")
	// ErrConcurrentUpdate is returned when a renew lost a race with another writer.
	ErrConcurrentUpdate = errors.New("ticket was modified concurrently")
)

// Store persists session tickets behind opaque keys.
type Store interface {
	// Store persists a new ticket and returns its key. t.Version is set to
	// the new record's version.
	Store(ctx context.Context, t *Ticket) (string, error)
	// Renew replaces the ticket stored under key when the record is still at
	// t.Version, and advances t.Version. A missing key is a no-op; a record
	// written since t was read yields ErrConcurrentUpdate.
	Renew(ctx context.Context, key string, t *Ticket) error
	// Retrieve returns the ticket for key with its Version set, or nil when
	// there is none.
	Retrieve(ctx context.Context, key string) (*Ticket, error)
	// Remove deletes the ticket for key. Removing a missing key succeeds.
	Remove(ctx context.Context, key string) error
}

// Options are shared by every store implementation.
type Options struct {
	// CleanupInterval is the minimum time between expiry sweeps. Zero
	// disables sweeping.
	CleanupInterval time.Duration
	Clock           func() time.Time
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// record is the persisted form used by the key-value backends.
type record struct {
	Scheme         string    `json:"scheme"`
	Subject        string    `json:"subject"`
	RegistrationID string    `json:"registration_id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Version        int64     `json:"version"`
	Payload        []byte    `json:"payload"`
}

func (r record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}

func newKey() string {
	return uuid.NewString()
}

func checkKey(key string) error {
	if _, err := uuid.Parse(key); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
