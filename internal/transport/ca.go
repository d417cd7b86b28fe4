package transport

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
)

const defaultCAKeyPath = "warden_ca_key"

// DefaultCertTTL is the lifetime of a session certificate.
const DefaultCertTTL = 5 * time.Minute

// clockSkew is subtracted from ValidAfter so targets running slightly behind
// still accept a fresh certificate.
const clockSkew = time.Minute

// CertificateAuthority signs the short-lived user certificates the warden
// presents to target hosts.
type CertificateAuthority struct {
	signer ssh.Signer
	now    func() time.Time
}

// CAOption configures a CertificateAuthority.
type CAOption func(*CertificateAuthority)

// WithCAClock sets the clock used for certificate validity.
func WithCAClock(now func() time.Time) CAOption {
	return func(c *CertificateAuthority) {
		if now == nil {
			panic("transport: nil clock")
		}
		c.now = now
	}
}

// CertRequest describes the certificate for one session.
type CertRequest struct {
	SessionID    string
	ConnectionID string
	Principal    string
	TTL          time.Duration
}

// NewCertificateAuthority loads the CA key at path, generating an ed25519
// key in OpenSSH format on first use. The public half is written next to it
// as path.pub for TrustedUserCAKeys on the targets.
func NewCertificateAuthority(path string, opts ...CAOption) (*CertificateAuthority, error) {
	if path == "" {
		path = defaultCAKeyPath
	}
	signer, err := loadSigner(path)
	if err != nil {
		return nil, fmt.Errorf("ca key %s: %w", path, err)
	}
	c := &CertificateAuthority{
		signer: signer,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PublicKey returns the CA public key.
func (c *CertificateAuthority) PublicKey() ssh.PublicKey {
	return c.signer.PublicKey()
}

// IssueSessionCertificate signs a user certificate for key, valid for
// req.TTL and bound to the session through its key ID and extensions.
func (c *CertificateAuthority) IssueSessionCertificate(key ssh.PublicKey, req CertRequest) (*ssh.Certificate, error) {
	switch {
	case key == nil:
		return nil, errors.New("public key required")
	case req.Principal == "":
		return nil, errors.New("principal required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultCertTTL
	}

	issued := c.now()
	cert := &ssh.Certificate{
		Key:             key,
		Serial:          uint64(issued.UnixNano()),
		CertType:        ssh.UserCert,
		KeyId:           req.SessionID,
		ValidPrincipals: []string{req.Principal},
		ValidAfter:      uint64(issued.Add(-clockSkew).Unix()),
		ValidBefore:     uint64(issued.Add(ttl).Unix()),
	}
	cert.Permissions.Extensions = map[string]string{
		"permit-pty":    "",
		"session_id":    req.SessionID,
		"connection_id": req.ConnectionID,
	}
	if err := cert.SignCert(rand.Reader, c.signer); err != nil {
		return nil, fmt.Errorf("sign session certificate: %w", err)
	}
	return cert, nil
}

// SessionSigner returns a signer backed by a throwaway ed25519 key and a
// fresh certificate for it.
func (c *CertificateAuthority) SessionSigner(req CertRequest) (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	keySigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}
	cert, err := c.IssueSessionCertificate(keySigner.PublicKey(), req)
	if err != nil {
		return nil, err
	}
	return ssh.NewCertSigner(cert, keySigner)
}

// Verify checks that cert was signed by this CA for principal and is valid now.
func (c *CertificateAuthority) Verify(cert *ssh.Certificate, principal string) error {
	if cert == nil {
		return errors.New("certificate required")
	}
	authority := c.PublicKey().Marshal()
	checker := ssh.CertChecker{
		IsUserAuthority: func(k ssh.PublicKey) bool { return bytes.Equal(k.Marshal(), authority) },
		Clock:           c.now,
	}
	return checker.CheckCert(principal, cert)
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return ssh.ParsePrivateKey(data)
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "warden session ca")
	if err != nil {
		return nil, err
	}
	data = pem.EncodeToMemory(block)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(signer.PublicKey()), 0o644); err != nil {
		return nil, err
	}
	return signer, nil
}
