package auth

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/svmp/svmp-proxy/internal/domain/user"
)

// Verifier checks credential material and returns the identity it proves.
type Verifier interface {
	Mode() Mode
	Verify(ctx context.Context, creds *Credentials) (username string, err error)
}

// ExternalValidator checks a username and password outside the proxy,
// e.g. through PAM.
type ExternalValidator interface {
	Validate(ctx context.Context, username, password string) (bool, error)
}

// PasswordVerifier checks passwords against the user store.
type PasswordVerifier struct {
	users user.Store
}

// NewPasswordVerifier creates a PasswordVerifier.
func NewPasswordVerifier(users user.Store) *PasswordVerifier {
	return &PasswordVerifier{users: users}
}

func (v *PasswordVerifier) Mode() Mode { return ModePassword }

func (v *PasswordVerifier) Verify(ctx context.Context, creds *Credentials) (string, error) {
	if creds.Username == "" || creds.Password == "" {
		return "", ErrInvalidCredentials
	}
	u, err := v.users.Get(ctx, creds.Username)
	if errors.Is(err, user.ErrUserNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if u.PasswordHash == "" {
		return "", ErrInvalidCredentials
	}
	ok, err := VerifyPassword(creds.Password, u.PasswordHash)
	if err != nil {
		return "", fmt.Errorf("verify password for %q: %w", creds.Username, err)
	}
	if !ok {
		return "", ErrInvalidCredentials
	}
	return u.Username, nil
}

// ExternalVerifier delegates to an ExternalValidator.
type ExternalVerifier struct {
	validator ExternalValidator
}

// NewExternalVerifier creates an ExternalVerifier.
func NewExternalVerifier(validator ExternalValidator) *ExternalVerifier {
	return &ExternalVerifier{validator: validator}
}

func (v *ExternalVerifier) Mode() Mode { return ModeExternal }

func (v *ExternalVerifier) Verify(ctx context.Context, creds *Credentials) (string, error) {
	if creds.Username == "" || creds.Password == "" {
		return "", ErrInvalidCredentials
	}
	ok, err := v.validator.Validate(ctx, creds.Username, creds.Password)
	if err != nil {
		return "", fmt.Errorf("external validator: %w", err)
	}
	if !ok {
		return "", ErrInvalidCredentials
	}
	return creds.Username, nil
}

// CertField selects the certificate attribute used as the username.
type CertField string

const (
	CertFieldCommonName CertField = "common_name"
	CertFieldEmail      CertField = "email"
)

// CertificateVerifier maps an already verified client certificate to a user.
// It never consults a store.
type CertificateVerifier struct {
	field CertField
}

// NewCertificateVerifier creates a CertificateVerifier. An empty field
// defaults to the subject common name.
func NewCertificateVerifier(field CertField) *CertificateVerifier {
	if field == "" {
		field = CertFieldCommonName
	}
	return &CertificateVerifier{field: field}
}

func (v *CertificateVerifier) Mode() Mode { return ModeCertificate }

func (v *CertificateVerifier) Verify(_ context.Context, creds *Credentials) (string, error) {
	if creds.Certificate == nil {
		return "", ErrNoCertificate
	}
	name := identityFromCert(creds.Certificate, v.field)
	if name == "" {
		return "", fmt.Errorf("certificate has no %s", v.field)
	}
	return name, nil
}

func identityFromCert(cert *x509.Certificate, field CertField) string {
	if field == CertFieldEmail {
		if len(cert.EmailAddresses) > 0 {
			return cert.EmailAddresses[0]
		}
		return ""
	}
	return cert.Subject.CommonName
}
