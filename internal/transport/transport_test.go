package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/Extra-Chill/plasma-warden/internal/fault"
	"github.com/Extra-Chill/plasma-warden/internal/model"
)

func TestCertificateAuthorityLoadOrCreate(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys", "warden_ca_key")

	ca, err := NewCertificateAuthority(keyPath)
	if err != nil {
		t.Fatalf("create CA: %v", err)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat CA key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected CA key mode 0600, got %o", info.Mode().Perm())
	}
	if _, err := os.Stat(keyPath + ".pub"); err != nil {
		t.Errorf("expected public key file: %v", err)
	}

	ca2, err := NewCertificateAuthority(keyPath)
	if err != nil {
		t.Fatalf("reload CA: %v", err)
	}
	if !bytes.Equal(ca.PublicKey().Marshal(), ca2.PublicKey().Marshal()) {
		t.Fatal("expected CA public key to be stable across reload")
	}
}

func TestIssueSessionCertificate(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := now
	ca, err := NewCertificateAuthority(filepath.Join(t.TempDir(), "ca"), WithCAClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatal(err)
	}
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, _ := ssh.NewSignerFromKey(priv)

	if _, err := ca.IssueSessionCertificate(signer.PublicKey(), CertRequest{SessionID: "s1"}); err == nil {
		t.Error("expected missing principal to fail")
	}
	if _, err := ca.IssueSessionCertificate(nil, CertRequest{Principal: "deploy"}); err == nil {
		t.Error("expected missing key to fail")
	}

	cert, err := ca.IssueSessionCertificate(signer.PublicKey(), CertRequest{
		SessionID: "s1", ConnectionID: "c1", Principal: "deploy", TTL: 2 * time.Minute,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cert.KeyId != "s1" || cert.Permissions.Extensions["connection_id"] != "c1" {
		t.Errorf("unexpected certificate identity: %q %v", cert.KeyId, cert.Permissions.Extensions)
	}

	if err := ca.Verify(cert, "deploy"); err != nil {
		t.Errorf("validate: %v", err)
	}
	if err := ca.Verify(cert, "root"); err == nil {
		t.Error("expected wrong principal to fail")
	}

	clock = now.Add(3 * time.Minute)
	if err := ca.Verify(cert, "deploy"); err == nil {
		t.Error("expected expired certificate to fail")
	}
}

// startSSHServer accepts connections whose certificate was signed by ca.
func startSSHServer(t *testing.T, ca *CertificateAuthority) (host string, port int) {
	t.Helper()
	_, hostPriv, _ := ed25519.GenerateKey(rand.Reader)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}
	checker := &ssh.CertChecker{
		IsUserAuthority: func(key ssh.PublicKey) bool {
			return bytes.Equal(key.Marshal(), ca.PublicKey().Marshal())
		},
	}
	config := &ssh.ServerConfig{PublicKeyCallback: checker.Authenticate}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, chans, reqs, err := ssh.NewServerConn(conn, config)
				if err != nil {
					return
				}
				go ssh.DiscardRequests(reqs)
				for ch := range chans {
					_ = ch.Reject(ssh.Prohibited, "handshake only")
				}
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestSSHHandshaker_Handshake(t *testing.T) {
	ca, err := NewCertificateAuthority(filepath.Join(t.TempDir(), "ca"))
	if err != nil {
		t.Fatal(err)
	}
	host, port := startSSHServer(t, ca)

	hs, err := NewSSHHandshaker(ca, SSHHandshakerConfig{InsecureIgnoreHostKey: true})
	if err != nil {
		t.Fatal(err)
	}
	conn := model.Connection{ID: "c1", Protocol: model.ProtocolSSH, Host: host, Port: port, Username: "deploy"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Handshake(ctx, "s1", conn); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	// A CA the server does not trust is rejected.
	other, _ := NewCertificateAuthority(filepath.Join(t.TempDir(), "other"))
	rogue, _ := NewSSHHandshaker(other, SSHHandshakerConfig{InsecureIgnoreHostKey: true})
	if err := rogue.Handshake(ctx, "s1", conn); err == nil {
		t.Fatal("expected untrusted CA to be rejected")
	}

	conn.Username = ""
	if err := hs.Handshake(ctx, "s1", conn); err == nil {
		t.Fatal("expected missing username to fail")
	}
}

func TestSSHHandshaker_RespectsDeadline(t *testing.T) {
	ca, err := NewCertificateAuthority(filepath.Join(t.TempDir(), "ca"))
	if err != nil {
		t.Fatal(err)
	}
	// A listener that accepts and then says nothing.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	hs, _ := NewSSHHandshaker(ca, SSHHandshakerConfig{InsecureIgnoreHostKey: true})
	addr := ln.Addr().(*net.TCPAddr)
	conn := model.Connection{ID: "c1", Protocol: model.ProtocolSSH, Host: "127.0.0.1", Port: addr.Port, Username: "deploy"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = hs.Handshake(ctx, "s1", conn)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("handshake overran its deadline: %v", time.Since(start))
	}
}

func TestNewSSHHandshaker_RequiresHostVerification(t *testing.T) {
	ca, _ := NewCertificateAuthority(filepath.Join(t.TempDir(), "ca"))
	if _, err := NewSSHHandshaker(ca, SSHHandshakerConfig{}); err == nil {
		t.Error("expected an error without host key verification")
	}
	if _, err := NewSSHHandshaker(nil, SSHHandshakerConfig{InsecureIgnoreHostKey: true}); err == nil {
		t.Error("expected an error without a CA")
	}

	known := filepath.Join(t.TempDir(), "known_hosts")
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, _ := ssh.NewSignerFromKey(priv)
	line := "[127.0.0.1]:" + strconv.Itoa(2222) + " " + string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
	if err := os.WriteFile(known, []byte(line), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSSHHandshaker(ca, SSHHandshakerConfig{KnownHostsPath: known}); err != nil {
		t.Errorf("known hosts: %v", err)
	}
}

func TestMux(t *testing.T) {
	mux := NewMux()
	var got string
	mux.Handle(model.ProtocolSSH, HandshakerFunc(func(_ context.Context, sessionID string, _ model.Connection) error {
		got = sessionID
		return nil
	}))
	mux.Handle(model.ProtocolRDP, Nop{})

	ctx := context.Background()
	if err := mux.Handshake(ctx, "s1", model.Connection{Protocol: model.ProtocolSSH}); err != nil || got != "s1" {
		t.Errorf("ssh route: got=%q err=%v", got, err)
	}
	if err := mux.Handshake(ctx, "s2", model.Connection{Protocol: model.ProtocolRDP}); err != nil {
		t.Errorf("rdp route: %v", err)
	}
	err := mux.Handshake(ctx, "s3", model.Connection{Protocol: model.ProtocolVNC})
	if !errors.Is(err, fault.ErrInvalid) {
		t.Errorf("expected invalid for unrouted protocol, got %v", err)
	}
}
