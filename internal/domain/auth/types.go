// Package auth turns client credential material into a validated session.
package auth

import (
	"crypto/x509"
	"errors"
	"fmt"
)

// Mode selects the credential verifier for a deployment.
type Mode string

const (
	// ModePassword checks username and password against stored hashes.
	ModePassword Mode = "password"
	// ModeExternal delegates username and password checks to an external validator.
	ModeExternal Mode = "external"
	// ModeCertificate maps a verified TLS client certificate to a user.
	ModeCertificate Mode = "certificate"
)

// Credentials is the material a client presents when authenticating.
type Credentials struct {
	Username     string
	Password     string
	SessionToken string
	// Certificate is the verified peer certificate, nil when the client
	// sent none or it failed verification.
	Certificate *x509.Certificate
	Testing     bool
	RemoteAddr  string
}

// Reason classifies an authentication failure.
type Reason string

const (
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonCertInvalid        Reason = "cert_invalid"
	ReasonTokenInvalid       Reason = "token_invalid"
	ReasonRateLimited        Reason = "rate_limited"
)

// Failure is returned for every rejected authentication attempt.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("authentication failed: %s", f.Reason)
	}
	return fmt.Sprintf("authentication failed: %s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// IsFailure reports whether err is an authentication Failure with reason.
func IsFailure(err error, reason Reason) bool {
	var f *Failure
	return errors.As(err, &f) && f.Reason == reason
}

var (
	// ErrInvalidCredentials is wrapped by verifiers when credentials don't match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnknownHashType is returned for unrecognized stored hash formats.
	ErrUnknownHashType = errors.New("unknown hash type")
	// ErrNoCertificate is returned when certificate mode sees no verified certificate.
	ErrNoCertificate = errors.New("no verified client certificate")
)
