package authority

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/pkcs12"
)

// Credentials is already-decrypted authentication material for one entity:
// the mTLS client certificate and the authority-issued username and password.
type Credentials struct {
	Certificate tls.Certificate
	Username    string
	Password    string
}

// Validate validates the credentials
func (c *Credentials) Validate() error {
	if c == nil || len(c.Certificate.Certificate) == 0 || c.Certificate.PrivateKey == nil {
		return ErrMissingCertificate
	}
	if c.Username == "" {
		return ErrMissingUsername
	}
	if c.Password == "" {
		return ErrMissingPassword
	}
	return nil
}

// CredentialsFromPKCS12 decodes a PKCS#12 bundle with its passphrase
func CredentialsFromPKCS12(bundle []byte, passphrase, username, password string) (*Credentials, error) {
	key, cert, err := pkcs12.Decode(bundle, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return &Credentials{
		Certificate: tls.Certificate{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		},
		Username: username,
		Password: password,
	}, nil
}

// CredentialsFromPEM builds credentials from a PEM certificate chain and key
func CredentialsFromPEM(certPEM, keyPEM []byte, username, password string) (*Credentials, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return &Credentials{Certificate: cert, Username: username, Password: password}, nil
}

// CredentialsFromPKCS12File reads a PKCS#12 bundle from disk
func CredentialsFromPKCS12File(path, passphrase, username, password string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authority: failed to read certificate bundle: %w", err)
	}
	return CredentialsFromPKCS12(data, passphrase, username, password)
}

// CredentialProvider hands out decrypted credentials per issuing entity. Key
// management stays behind this boundary.
type CredentialProvider interface {
	Credentials(ctx context.Context, entityID string) (*Credentials, error)
}

// StaticCredentialProvider serves credentials registered up front
type StaticCredentialProvider struct {
	mu    sync.RWMutex
	creds map[string]*Credentials
}

// NewStaticCredentialProvider creates an empty provider
func NewStaticCredentialProvider() *StaticCredentialProvider {
	return &StaticCredentialProvider{creds: make(map[string]*Credentials)}
}

// Register sets the credentials for an entity
func (p *StaticCredentialProvider) Register(entityID string, creds *Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds[entityID] = creds
}

// Credentials implements CredentialProvider
func (p *StaticCredentialProvider) Credentials(_ context.Context, entityID string) (*Credentials, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	creds, ok := p.creds[entityID]
	if !ok {
		return nil, fmt.Errorf("authority: no credentials for entity %s", entityID)
	}
	return creds, nil
}
