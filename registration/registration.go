package registration

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WellKnownPath is appended to the issuer when no metadata address is configured.
const WellKnownPath = ".well-known/smart-configuration"

// HeaderStyle selects how client credentials are encoded in the Basic
// authorization header sent to the revocation endpoint.
type HeaderStyle string

const (
	// HeaderStyleRFC6749 form-url-encodes client id and secret before base64.
	HeaderStyleRFC6749 HeaderStyle = "rfc6749"
	// HeaderStyleRFC2617 base64-encodes the raw credentials.
	HeaderStyleRFC2617 HeaderStyle = "rfc2617"
)

// Options holds per-registration policy.
type Options struct {
	RequireHTTPS              bool          `yaml:"require_https"`
	RequireIssuer             bool          `yaml:"require_issuer"`
	ValidateEndpoints         bool          `yaml:"validate_endpoints"`
	SlidingSessionDuration    time.Duration `yaml:"sliding_session_duration"`
	MaxSessionDuration        time.Duration `yaml:"max_session_duration"`
	RevokeOnLogout            bool          `yaml:"revoke_on_logout"`
	RevocationAuthHeaderStyle HeaderStyle   `yaml:"revocation_auth_header_style"`
	VerifyIDToken             bool          `yaml:"verify_id_token"`
}

// Registration is the client configuration for one authorization server.
type Registration struct {
	ID               string  `yaml:"registration_id"`
	Discriminator    string  `yaml:"discriminator,omitempty"`
	ClientID         string  `yaml:"client_id"`
	ClientSecret     string  `yaml:"client_secret"`
	Issuer           string  `yaml:"issuer"`
	MetadataAddress  string  `yaml:"metadata_address,omitempty"`
	Scopes           string  `yaml:"scopes"`
	LoginCallbackURL string  `yaml:"login_callback_url"`
	Active           bool    `yaml:"active"`
	Options          Options `yaml:"options"`
}

// DefaultOptions returns the policy applied when a registration omits options.
func DefaultOptions() Options {
	return Options{
		RequireHTTPS:              true,
		RequireIssuer:             true,
		ValidateEndpoints:         true,
		SlidingSessionDuration:    time.Hour,
		MaxSessionDuration:        2 * time.Hour,
		RevokeOnLogout:            true,
		RevocationAuthHeaderStyle: HeaderStyleRFC6749,
	}
}

// Default returns an active registration carrying DefaultOptions.
func Default() Registration {
	return Registration{Active: true, Options: DefaultOptions()}
}

// UnmarshalYAML applies defaults before decoding so omitted keys keep them.
func (r *Registration) UnmarshalYAML(value *yaml.Node) error {
	type plain Registration
	p := plain(Default())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = Registration(p)
	return nil
}

// ScopeList splits the space separated scope string.
func (r *Registration) ScopeList() []string {
	return strings.Fields(r.Scopes)
}

// MetadataURL returns the discovery document location.
func (r *Registration) MetadataURL() string {
	if r.MetadataAddress != "" {
		return r.MetadataAddress
	}
	return JoinURL(r.Issuer, WellKnownPath)
}

// Validate checks a single registration. All violations are returned joined.
func (r *Registration) Validate() error {
	var errs []error
	label := r.ID
	if label == "" {
		label = r.Issuer
	}
	if r.ID == "" {
		errs = append(errs, fmt.Errorf("registration (%s): registration_id is required", label))
	}
	if r.ClientID == "" {
		errs = append(errs, fmt.Errorf("registration %s: client_id is required", label))
	}
	if r.ClientSecret == "" {
		errs = append(errs, fmt.Errorf("registration %s: client_secret is required", label))
	}
	if !IsAbsoluteURLWithPathOnly(r.Issuer, r.Options.RequireHTTPS) {
		errs = append(errs, fmt.Errorf("registration %s: issuer %q must be an absolute URL without query or fragment", label, r.Issuer))
	}
	if r.MetadataAddress != "" && !IsAbsoluteURL(r.MetadataAddress, r.Options.RequireHTTPS) {
		errs = append(errs, fmt.Errorf("registration %s: metadata_address %q must be an absolute URL", label, r.MetadataAddress))
	}
	if !IsAbsoluteURL(r.LoginCallbackURL, false) {
		errs = append(errs, fmt.Errorf("registration %s: login_callback_url %q must be an absolute URL", label, r.LoginCallbackURL))
	}
	if r.Options.SlidingSessionDuration <= 0 {
		errs = append(errs, fmt.Errorf("registration %s: options.sliding_session_duration must be positive", label))
	}
	if r.Options.MaxSessionDuration < 0 {
		errs = append(errs, fmt.Errorf("registration %s: options.max_session_duration must not be negative", label))
	}
	switch r.Options.RevocationAuthHeaderStyle {
	case HeaderStyleRFC6749, HeaderStyleRFC2617, "":
	default:
		errs = append(errs, fmt.Errorf("registration %s: options.revocation_auth_header_style must be rfc6749 or rfc2617", label))
	}
	return errors.Join(errs...)
}
