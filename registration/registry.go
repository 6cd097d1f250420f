package registration

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAmbiguous is returned when a lookup matches more than one registration.
var ErrAmbiguous = errors.New("more than one registration matches")

// Registry holds the configured registrations.
type Registry struct {
	regs []*Registration
}

// NewRegistry validates the registrations and their uniqueness constraints.
func NewRegistry(regs []Registration) (*Registry, error) {
	var errs []error
	out := make([]*Registration, 0, len(regs))
	ids := make(map[string]bool, len(regs))
	pairs := make(map[string]bool, len(regs))

	for i := range regs {
		reg := regs[i]
		if err := reg.Validate(); err != nil {
			errs = append(errs, err)
		}

		id := strings.ToLower(reg.ID)
		if ids[id] {
			errs = append(errs, fmt.Errorf("registration_id %q is not unique", reg.ID))
		}
		ids[id] = true

		pair := strings.ToLower(strings.TrimRight(reg.Issuer, "/")) + ":" + strings.ToLower(reg.Discriminator)
		if pairs[pair] {
			errs = append(errs, fmt.Errorf("issuer %q with discriminator %q is not unique", reg.Issuer, reg.Discriminator))
		}
		pairs[pair] = true

		if reg.MetadataAddress == "" {
			reg.MetadataAddress = JoinURL(reg.Issuer, WellKnownPath)
		}
		out = append(out, &reg)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Registry{regs: out}, nil
}

// All returns every registration in configuration order.
func (r *Registry) All() []*Registration {
	return r.regs
}

// ByID finds a registration by id regardless of its active flag so that
// sessions started before a registration was disabled can still end cleanly.
func (r *Registry) ByID(id string) (*Registration, error) {
	return single(r.filter(func(reg *Registration) bool {
		return strings.EqualFold(reg.ID, id)
	}))
}

// ByIssuer finds the active registration for an issuer. When several share
// the issuer the one without a discriminator wins.
func (r *Registry) ByIssuer(issuer string) (*Registration, error) {
	matches := r.filter(func(reg *Registration) bool {
		return reg.Active && SameIssuer(reg.Issuer, issuer)
	})
	if len(matches) > 1 {
		var plain []*Registration
		for _, m := range matches {
			if m.Discriminator == "" {
				plain = append(plain, m)
			}
		}
		matches = plain
		if len(matches) == 0 {
			return nil, ErrAmbiguous
		}
	}
	return single(matches)
}

// ByIssuerAndDiscriminator finds the active registration for the pair.
func (r *Registry) ByIssuerAndDiscriminator(issuer, discriminator string) (*Registration, error) {
	if discriminator == "" {
		return nil, errors.New("discriminator is required")
	}
	return single(r.filter(func(reg *Registration) bool {
		return reg.Active && SameIssuer(reg.Issuer, issuer) && strings.EqualFold(reg.Discriminator, discriminator)
	}))
}

func (r *Registry) filter(match func(*Registration) bool) []*Registration {
	var out []*Registration
	for _, reg := range r.regs {
		if match(reg) {
			out = append(out, reg)
		}
	}
	return out
}

func single(matches []*Registration) (*Registration, error) {
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguous
	}
}
