// Package ticket defines the authentication ticket carried by the login and
// session cookies and the stores that persist session tickets server-side.
package ticket

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Claim names shared by every ticket.
const (
	ClaimName           = "name"
	ClaimRegistrationID = "sb_registration_id"
)

// Properties carries ticket metadata that is not part of the identity.
type Properties struct {
	// IssuedAt is the original sign-in time. It survives re-issuance.
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Items     map[string]string `json:"items,omitempty"`
}

// Ticket is a set of string claims plus properties, owned by one scheme.
type Ticket struct {
	Scheme     string            `json:"scheme"`
	Claims     map[string]string `json:"claims"`
	Properties Properties        `json:"properties"`

	// Key is the store key the ticket was loaded from, empty for tickets
	// carried entirely in the cookie. It is never serialized.
	Key string `json:"-"`
	// Version is the store record version Key was read at. Renew only
	// succeeds while the stored record still has this version.
	Version int64 `json:"-"`
}

// New returns an empty ticket for scheme.
func New(scheme string) *Ticket {
	return &Ticket{Scheme: scheme, Claims: map[string]string{}}
}

func (t *Ticket) Claim(name string) string {
	return t.Claims[name]
}

// SetClaim sets a claim. An empty value removes it.
func (t *Ticket) SetClaim(name, value string) {
	if t.Claims == nil {
		t.Claims = map[string]string{}
	}
	if value == "" {
		delete(t.Claims, name)
		return
	}
	t.Claims[name] = value
}

func (t *Ticket) Item(name string) string {
	return t.Properties.Items[name]
}

func (t *Ticket) SetItem(name, value string) {
	if t.Properties.Items == nil {
		t.Properties.Items = map[string]string{}
	}
	t.Properties.Items[name] = value
}

// Subject is the display name of the signed-in user.
func (t *Ticket) Subject() string {
	return t.Claims[ClaimName]
}

func (t *Ticket) RegistrationID() string {
	return t.Claims[ClaimRegistrationID]
}

// Clone returns a deep copy.
func (t *Ticket) Clone() *Ticket {
	out := *t
	out.Claims = maps.Clone(t.Claims)
	out.Properties.Items = maps.Clone(t.Properties.Items)
	return &out
}

// Protector is the authenticated encryption used for serialized tickets.
type Protector interface {
	Protect(plaintext []byte) ([]byte, error)
	Unprotect(protected []byte) ([]byte, error)
}

// Codec serializes and encrypts tickets.
type Codec struct {
	protector Protector
}

func NewCodec(p Protector) *Codec {
	return &Codec{protector: p}
}

func (c *Codec) Encode(t *Ticket) ([]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal ticket: %w", err)
	}
	return c.protector.Protect(raw)
}

// Decode decrypts and unmarshals a ticket. Decryption failures are returned
// as errors, never as a missing ticket.
func (c *Codec) Decode(protected []byte) (*Ticket, error) {
	raw, err := c.protector.Unprotect(protected)
	if err != nil {
		return nil, fmt.Errorf("unprotect ticket: %w", err)
	}
	var t Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("unmarshal ticket: %w", err)
	}
	if t.Claims == nil {
		t.Claims = map[string]string{}
	}
	return &t, nil
}
