package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Extra-Chill/plasma-warden/internal/model"
)

// SSHHandshaker completes an SSH handshake against the target with a session
// certificate and disconnects. A successful handshake proves the target is
// reachable and trusts the warden CA.
type SSHHandshaker struct {
	ca       *CertificateAuthority
	hostKeys ssh.HostKeyCallback
	ttl      time.Duration
	dialer   net.Dialer
}

// SSHHandshakerConfig configures an SSHHandshaker.
type SSHHandshakerConfig struct {
	// KnownHostsPath is an OpenSSH known_hosts file used to verify targets.
	KnownHostsPath string
	// InsecureIgnoreHostKey skips host verification. Only for testing.
	InsecureIgnoreHostKey bool
	// HostKeyCallback overrides both fields above.
	HostKeyCallback ssh.HostKeyCallback
	CertTTL         time.Duration
}

// NewSSHHandshaker creates a handshaker signing with ca.
func NewSSHHandshaker(ca *CertificateAuthority, cfg SSHHandshakerConfig) (*SSHHandshaker, error) {
	if ca == nil {
		return nil, errors.New("certificate authority required")
	}
	cb := cfg.HostKeyCallback
	switch {
	case cb != nil:
	case cfg.KnownHostsPath != "":
		var err error
		cb, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, err
		}
	case cfg.InsecureIgnoreHostKey:
		cb = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("known hosts file required")
	}
	return &SSHHandshaker{ca: ca, hostKeys: cb, ttl: cfg.CertTTL}, nil
}

// Handshake implements Handshaker.
func (p *SSHHandshaker) Handshake(ctx context.Context, sessionID string, conn model.Connection) error {
	principal := conn.Username
	if principal == "" {
		return errors.New("connection has no username")
	}
	signer, err := p.ca.SessionSigner(CertRequest{
		SessionID:    sessionID,
		ConnectionID: conn.ID,
		Principal:    principal,
		TTL:          p.ttl,
	})
	if err != nil {
		return err
	}

	port := conn.Port
	if port == 0 {
		port = conn.Protocol.DefaultPort()
	}
	addr := net.JoinHostPort(conn.Host, strconv.Itoa(port))

	raw, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	defer raw.Close()

	// The ssh handshake has no context support; closing the socket on
	// cancellation unblocks it.
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	config := &ssh.ClientConfig{
		User:            principal,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: p.hostKeys,
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, addr, config)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	client := ssh.NewClient(c, chans, reqs)
	return client.Close()
}
