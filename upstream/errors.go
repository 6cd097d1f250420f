package upstream

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrorType classifies a TokenError.
type ErrorType string

const (
	// ErrorTypeProtocol is an OAuth error response from the server.
	ErrorTypeProtocol ErrorType = "Protocol"
	// ErrorTypeHTTP is a non-success status without an OAuth error body.
	ErrorTypeHTTP ErrorType = "Http"
	// ErrorTypeException is a transport or decoding failure.
	ErrorTypeException ErrorType = "Exception"
)

// TokenError is a failed token endpoint call.
type TokenError struct {
	Type        ErrorType
	Code        string
	Description string
	StatusCode  int
	Err         error
}

func (e *TokenError) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("token request failed: %s: %s", e.Code, e.Description)
	case e.Code != "":
		return "token request failed: " + e.Code
	case e.StatusCode != 0:
		return fmt.Sprintf("token request failed: http status %d", e.StatusCode)
	case e.Err != nil:
		return "token request failed: " + e.Err.Error()
	}
	return "token request failed"
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

func asTokenError(err error) error {
	var te *TokenError
	if errors.As(err, &te) {
		return te
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		out := &TokenError{
			Type:        ErrorTypeProtocol,
			Code:        re.ErrorCode,
			Description: re.ErrorDescription,
			Err:         err,
		}
		if re.Response != nil {
			out.StatusCode = re.Response.StatusCode
		}
		if out.Code == "" {
			out.Type = ErrorTypeHTTP
		}
		return out
	}
	return &TokenError{Type: ErrorTypeException, Description: err.Error(), Err: err}
}
