package tcp

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ServerTLS is the listener's TLS setup. ClientCAs is nil when client
// certificates are not checked.
type ServerTLS struct {
	Config    *tls.Config
	ClientCAs *x509.CertPool
}

// LoadServerTLS reads the server key pair and optional client CA. An
// encrypted PEM private key is decrypted with passphrase.
func LoadServerTLS(certFile, keyFile, passphrase, caFile string) (*ServerTLS, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	keyPEM, err = decryptKey(keyPEM, passphrase)
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	st := &ServerTLS{
		Config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}

	if caFile != "" {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("ca certificate: no PEM certificates found")
		}
		st.ClientCAs = pool
		// Certificates are checked after the handshake so a bad one is
		// treated as absent instead of failing the connection.
		st.Config.ClientAuth = tls.RequestClientCert
	}
	return st, nil
}

// decryptKey returns keyPEM with a legacy encrypted PEM block
// (openssl "Proc-Type: 4,ENCRYPTED") decrypted.
func decryptKey(keyPEM []byte, passphrase string) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("private key: no PEM block found")
	}
	if !x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // openssl still writes legacy encrypted keys
		return keyPEM, nil
	}
	if passphrase == "" {
		return nil, errors.New("private key is encrypted and no passphrase is configured")
	}
	der, err := x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}), nil
}

// PeerCertificate returns the client's leaf certificate if it chains to
// ClientCAs and is valid for client authentication, nil otherwise.
func (st *ServerTLS) PeerCertificate(state tls.ConnectionState) (*x509.Certificate, error) {
	if st.ClientCAs == nil || len(state.PeerCertificates) == 0 {
		return nil, nil
	}
	leaf := state.PeerCertificates[0]
	inter := x509.NewCertPool()
	for _, c := range state.PeerCertificates[1:] {
		inter.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         st.ClientCAs,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, err
	}
	return leaf, nil
}
