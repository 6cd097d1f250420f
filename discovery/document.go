package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"smartbff/registration"
)

// AssociatedEndpoint is an additional FHIR endpoint that shares the
// authorization server's tokens.
type AssociatedEndpoint struct {
	URL          string   `json:"url"`
	Capabilities []string `json:"capabilities"`
}

// Document is a validated SMART configuration. Values handed out by the
// Service are shared and must not be modified.
type Document struct {
	Issuer                            string               `json:"issuer,omitempty"`
	JWKSURI                           string               `json:"jwks_uri,omitempty"`
	AuthorizationEndpoint             string               `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string               `json:"token_endpoint,omitempty"`
	TokenEndpointAuthMethodsSupported []string             `json:"token_endpoint_auth_methods_supported,omitempty"`
	GrantTypesSupported               []string             `json:"grant_types_supported,omitempty"`
	RegistrationEndpoint              string               `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string             `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string             `json:"response_types_supported,omitempty"`
	ManagementEndpoint                string               `json:"management_endpoint,omitempty"`
	IntrospectionEndpoint             string               `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                string               `json:"revocation_endpoint,omitempty"`
	CodeChallengeMethodsSupported     []string             `json:"code_challenge_methods_supported,omitempty"`
	Capabilities                      []string             `json:"capabilities,omitempty"`
	AssociatedEndpoints               []AssociatedEndpoint `json:"associated_endpoints,omitempty"`
}

// Parse decodes raw metadata and validates it against the registration's
// policy. Malformed JSON is an error; policy violations, including members of
// the wrong JSON type, are returned as human-readable strings alongside a nil
// document.
func Parse(raw []byte, reg *registration.Registration) (*Document, []string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("decode discovery document: %w", err)
	}
	var doc Document
	var typeErr *json.UnmarshalTypeError
	err := json.Unmarshal(raw, &doc)
	if err != nil && !errors.As(err, &typeErr) {
		return nil, nil, fmt.Errorf("decode discovery document: %w", err)
	}

	errs := Validate(&doc, fields, reg)
	if typeErr != nil {
		for _, name := range mistypedMembers(fields) {
			// Validate already reports non-string endpoints.
			if reg.Options.ValidateEndpoints && isEndpointMember(name) {
				continue
			}
			errs = append(errs, fmt.Sprintf("Member '%s' has an unexpected type.", name))
		}
	}
	if len(errs) > 0 {
		return nil, errs, nil
	}
	return &doc, nil, nil
}

// mistypedMembers decodes each member on its own to name every one whose JSON
// type does not fit Document, not only the first.
func mistypedMembers(fields map[string]json.RawMessage) []string {
	var names []string
	for name, value := range fields {
		single, err := json.Marshal(map[string]json.RawMessage{name: value})
		if err != nil {
			continue
		}
		var scratch Document
		var typeErr *json.UnmarshalTypeError
		if err := json.Unmarshal(single, &scratch); errors.As(err, &typeErr) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func isEndpointMember(name string) bool {
	return strings.EqualFold(name, "jwks_uri") || strings.HasSuffix(strings.ToLower(name), "endpoint")
}

// Validate applies the endpoint rules. Any member whose name ends in
// "endpoint" is treated as a URL, which is a naming convention rather than a
// schema and can both over- and under-match.
func Validate(doc *Document, fields map[string]json.RawMessage, reg *registration.Registration) []string {
	opts := reg.Options
	if !opts.ValidateEndpoints {
		return nil
	}

	var errs []string
	if opts.RequireIssuer {
		switch {
		case !registration.IsAbsoluteURL(doc.Issuer, opts.RequireHTTPS):
			errs = append(errs, "Issuer is not a valid URL.")
		case !registration.SameIssuer(doc.Issuer, reg.Issuer):
			errs = append(errs, fmt.Sprintf("Issuer '%s' does not match the registered issuer '%s'.", doc.Issuer, reg.Issuer))
		}
	}

	if doc.AuthorizationEndpoint == "" {
		errs = append(errs, "Endpoint 'authorization_endpoint' is not specified but is mandatory.")
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if isEndpointMember(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		value := fields[name]
		if string(value) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			errs = append(errs, fmt.Sprintf("Endpoint '%s' is not a valid URL.", name))
			continue
		}
		if s != "" && !registration.IsAbsoluteURL(s, opts.RequireHTTPS) {
			errs = append(errs, fmt.Sprintf("Endpoint '%s' is not a valid URL.", name))
		}
	}
	return errs
}
