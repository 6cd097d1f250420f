// Package cookieauth carries authentication tickets in encrypted cookies,
// optionally keeping the ticket itself in a server-side store.
package cookieauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"smartbff/ticket"
)

// Ticket items that override the scheme's lifetime policy per ticket.
const (
	ItemSlidingDuration = ".sliding_duration"
	ItemMaxDuration     = ".max_duration"
)

// Options configures a Scheme.
type Options struct {
	// Scheme is stamped on every ticket signed in through this scheme.
	Scheme     string
	CookieName string
	Path       string
	Domain     string
	Secure     bool
	SameSite   http.SameSite

	// ExpireTimeSpan is the cookie lifetime when the ticket carries no
	// sliding duration item.
	ExpireTimeSpan time.Duration
	// SlidingExpiration reissues the cookie once half its lifetime is used.
	SlidingExpiration bool
	// Store keeps tickets server-side; the cookie then only carries the key.
	Store ticket.Store
	Clock func() time.Time
}

// Scheme signs tickets in to, and authenticates them from, one cookie.
type Scheme struct {
	opts      Options
	codec     *ticket.Codec
	protector ticket.Protector
	logger    *slog.Logger
}

// New builds a scheme. p must be bound to a purpose unique to this scheme.
func New(opts Options, p ticket.Protector, logger *slog.Logger) *Scheme {
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.SameSite == 0 {
		opts.SameSite = http.SameSiteLaxMode
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Scheme{
		opts:      opts,
		codec:     ticket.NewCodec(p),
		protector: p,
		logger:    logger.With("scheme", opts.Scheme),
	}
}

func (s *Scheme) now() time.Time {
	return s.opts.Clock()
}

// SignIn issues the cookie for t. The original IssuedAt is preserved; a
// ticket carrying a store Key renews that entry instead of creating one.
func (s *Scheme) SignIn(ctx context.Context, w http.ResponseWriter, r *http.Request, t *ticket.Ticket) error {
	now := s.now()
	t.Scheme = s.opts.Scheme
	if t.Properties.IssuedAt.IsZero() {
		t.Properties.IssuedAt = now
	}
	expires := now.Add(s.lifetime(t))
	if limit, ok := s.absoluteLimit(t); ok && expires.After(limit) {
		expires = limit
	}
	t.Properties.ExpiresAt = expires

	var value []byte
	var err error
	if s.opts.Store != nil {
		if t.Key != "" {
			err = s.opts.Store.Renew(ctx, t.Key, t)
		} else {
			t.Key, err = s.opts.Store.Store(ctx, t)
		}
		if err != nil {
			return fmt.Errorf("%s: persist ticket: %w", s.opts.Scheme, err)
		}
		value, err = s.protector.Protect([]byte(t.Key))
	} else {
		value, err = s.codec.Encode(t)
	}
	if err != nil {
		return fmt.Errorf("%s: protect cookie: %w", s.opts.Scheme, err)
	}

	s.writeCookie(w, r, string(value), expires)
	return nil
}

// Authenticate returns the ticket carried by the request, or nil when there
// is none or it is no longer valid, and slides the cookie when due.
func (s *Scheme) Authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (*ticket.Ticket, error) {
	t, err := s.Load(ctx, w, r)
	if err != nil || t == nil {
		return t, err
	}
	return s.Slide(ctx, w, r, t)
}

// Load is Authenticate without the sliding reissue. Expired tickets and
// tickets older than their max duration are signed out. Errors are reserved
// for store failures and undecryptable stored payloads.
func (s *Scheme) Load(ctx context.Context, w http.ResponseWriter, r *http.Request) (*ticket.Ticket, error) {
	raw := s.readCookie(r)
	if raw == "" {
		return nil, nil
	}

	var t *ticket.Ticket
	if s.opts.Store != nil {
		key, err := s.protector.Unprotect([]byte(raw))
		if err != nil {
			s.logger.Warn("cookie_rejected", "error", err)
			s.deleteCookie(w, r)
			return nil, nil
		}
		t, err = s.opts.Store.Retrieve(ctx, string(key))
		if err != nil {
			return nil, fmt.Errorf("%s: retrieve ticket: %w", s.opts.Scheme, err)
		}
		if t == nil {
			s.logger.Debug("ticket_missing")
			s.deleteCookie(w, r)
			return nil, nil
		}
		t.Key = string(key)
	} else {
		var err error
		t, err = s.codec.Decode([]byte(raw))
		if err != nil {
			s.logger.Warn("cookie_rejected", "error", err)
			s.deleteCookie(w, r)
			return nil, nil
		}
	}

	if t.Scheme != s.opts.Scheme {
		s.logger.Warn("cookie_rejected", "reason", "scheme mismatch", "ticket_scheme", t.Scheme)
		s.deleteCookie(w, r)
		return nil, nil
	}

	now := s.now()
	if !t.Properties.ExpiresAt.IsZero() && !now.Before(t.Properties.ExpiresAt) {
		s.logger.Debug("ticket_expired", "expires_at", t.Properties.ExpiresAt)
		return nil, s.discard(ctx, w, r, t)
	}
	if limit, ok := s.absoluteLimit(t); ok && now.After(limit) {
		s.logger.Info("ticket_max_duration_exceeded", "issued_at", t.Properties.IssuedAt, "registration_id", t.RegistrationID())
		return nil, s.discard(ctx, w, r, t)
	}

	return t, nil
}

// Slide reissues the cookie for t once half its lifetime is used and returns
// the ticket now in effect. When the stored ticket changed since t was read,
// nothing is written and the stored ticket is returned instead.
func (s *Scheme) Slide(ctx context.Context, w http.ResponseWriter, r *http.Request, t *ticket.Ticket) (*ticket.Ticket, error) {
	if !s.opts.SlidingExpiration || t.Properties.ExpiresAt.Sub(s.now()) >= s.lifetime(t)/2 {
		return t, nil
	}
	next := t.Clone()
	err := s.SignIn(ctx, w, r, next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, ticket.ErrConcurrentUpdate) {
		return nil, err
	}

	s.logger.Debug("sliding_reissue_skipped", "reason", "ticket renewed concurrently")
	current, err := s.opts.Store.Retrieve(ctx, t.Key)
	if err != nil {
		return nil, fmt.Errorf("%s: retrieve ticket: %w", s.opts.Scheme, err)
	}
	if current == nil {
		s.deleteCookie(w, r)
		return nil, nil
	}
	current.Key = t.Key
	return current, nil
}

// SignOut removes the stored ticket, if any, and expires the cookie.
func (s *Scheme) SignOut(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	defer s.deleteCookie(w, r)
	if s.opts.Store == nil {
		return nil
	}
	raw := s.readCookie(r)
	if raw == "" {
		return nil
	}
	key, err := s.protector.Unprotect([]byte(raw))
	if err != nil {
		return nil
	}
	if err := s.opts.Store.Remove(ctx, string(key)); err != nil {
		return fmt.Errorf("%s: remove ticket: %w", s.opts.Scheme, err)
	}
	return nil
}

func (s *Scheme) discard(ctx context.Context, w http.ResponseWriter, r *http.Request, t *ticket.Ticket) error {
	s.deleteCookie(w, r)
	if s.opts.Store != nil && t.Key != "" {
		if err := s.opts.Store.Remove(ctx, t.Key); err != nil {
			return fmt.Errorf("%s: remove ticket: %w", s.opts.Scheme, err)
		}
	}
	return nil
}

func (s *Scheme) lifetime(t *ticket.Ticket) time.Duration {
	if d, ok := durationItem(t, ItemSlidingDuration); ok {
		return d
	}
	return s.opts.ExpireTimeSpan
}

func (s *Scheme) absoluteLimit(t *ticket.Ticket) (time.Time, bool) {
	d, ok := durationItem(t, ItemMaxDuration)
	if !ok {
		return time.Time{}, false
	}
	return t.Properties.IssuedAt.Add(d), true
}

func durationItem(t *ticket.Ticket, name string) (time.Duration, bool) {
	v := t.Item(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
