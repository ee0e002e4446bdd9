package authorization

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotplane/iot/credentials"
)

func TestAuthorizationIsolation(t *testing.T) {
	g := New(DefaultPolicy(), nil)

	assert.NoError(t, g.AuthorizePublish("d1", "devices/d1/rpc/response/1"))
	assert.NoError(t, g.AuthorizePublish("d1", "devices/d1/properties"))
	assert.ErrorIs(t, g.AuthorizePublish("d1", "devices/d2/rpc/response/1"), ErrTopicNotAllowed)
	assert.ErrorIs(t, g.AuthorizePublish("d1", "devices/d10/properties"), ErrTopicNotAllowed)
	assert.ErrorIs(t, g.AuthorizePublish("d1", "devices"), ErrTopicNotAllowed)
	assert.ErrorIs(t, g.AuthorizePublish("d1", "other/topic"), ErrTopicNotAllowed)
}

func TestReservedPrefix(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	assert.ErrorIs(t, g.AuthorizePublish("d1", "$SYS/broker/uptime"), ErrTopicNotAllowed)
	assert.ErrorIs(t, g.AuthorizeSubscribe("d1", "$SYS/#"), ErrTopicNotAllowed)

	// a reserved identity namespace stays reserved
	g = New(Policy{ReservedPrefixes: []string{"devices/admin/"}}, nil)
	assert.ErrorIs(t, g.AuthorizePublish("admin", "devices/admin/x"), ErrTopicNotAllowed)
}

func TestSubscribeWildcards(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	assert.NoError(t, g.AuthorizeSubscribe("d1", "devices/d1/#"))
	assert.NoError(t, g.AuthorizeSubscribe("d1", "devices/d1/rpc/request/+"))
	assert.ErrorIs(t, g.AuthorizeSubscribe("d1", "devices/+/rpc/request/+"), ErrTopicNotAllowed)
	assert.ErrorIs(t, g.AuthorizeSubscribe("d1", "devices/#"), ErrTopicNotAllowed)
	assert.ErrorIs(t, g.AuthorizeSubscribe("d1", "#"), ErrTopicNotAllowed)
	assert.ErrorIs(t, g.AuthorizeSubscribe("d1", "+/d1/#"), ErrTopicNotAllowed)
}

func TestSharedNamespace(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	assert.NoError(t, g.AuthorizePublish("d1", "chat/room1"))
	assert.NoError(t, g.AuthorizeSubscribe("d2", "chat/#"))
	assert.Equal(t, "chat", g.SharedNamespace("chat/room1"))
	assert.Equal(t, "", g.SharedNamespace("chatroom"))

	g = New(Policy{ReservedPrefixes: []string{"$SYS/"}}, nil)
	assert.ErrorIs(t, g.AuthorizePublish("d1", "chat/room1"), ErrTopicNotAllowed)
}

func TestInvalidIdentityGetsNoNamespace(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	assert.ErrorIs(t, g.AuthorizePublish("+", "devices/+/x"), ErrTopicNotAllowed)
	assert.ErrorIs(t, g.AuthorizePublish("", "devices//x"), ErrTopicNotAllowed)
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
shared:
  - name: chat
    filter: "chat/#"
  - name: broadcast
    filter: "fleet/broadcast"
`), 0600))
	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"$SYS/"}, p.ReservedPrefixes)
	require.Len(t, p.Shared, 2)
	assert.Equal(t, "fleet/broadcast", p.Shared[1].Filter)

	require.NoError(t, os.WriteFile(path, []byte(`
shared:
  - name: everything
    filter: "#"
`), 0600))
	_, err = LoadPolicy(path)
	assert.Error(t, err)

	_, err = LoadPolicy(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

type handshakeResult struct {
	state tls.ConnectionState
	err   error
}

func handshake(t *testing.T, serverConfig *tls.Config, clientCert tls.Certificate, roots *x509.CertPool) (tls.ConnectionState, error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	results := make(chan handshakeResult, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			results <- handshakeResult{err: err}
			return
		}
		tc := tls.Server(c, serverConfig)
		tc.SetDeadline(time.Now().Add(5 * time.Second))
		err = tc.Handshake()
		results <- handshakeResult{state: tc.ConnectionState(), err: err}
		tc.Close()
	}()

	cc, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      roots,
		ServerName:   "localhost",
	})
	if err == nil {
		cc.SetReadDeadline(time.Now().Add(time.Second))
		cc.Read(make([]byte, 1))
		cc.Close()
	}
	r := <-results
	return r.state, r.err
}

func issue(t *testing.T, a *credentials.Authority, cn string) tls.Certificate {
	t.Helper()
	creds, err := a.Issue(context.Background(), cn)
	require.NoError(t, err)
	cert, err := tls.X509KeyPair([]byte(creds.Certificate), []byte(creds.Key))
	require.NoError(t, err)
	return cert
}

func TestPreConnect(t *testing.T) {
	ctx := context.Background()
	m, err := credentials.Bootstrap(t.TempDir(), credentials.BootstrapOptions{KeyBits: 2048})
	require.NoError(t, err)
	signer, err := m.Signer()
	require.NoError(t, err)
	ledger, err := credentials.OpenFileLedger(t.TempDir())
	require.NoError(t, err)
	authority, err := credentials.New(ctx, signer, ledger)
	require.NoError(t, err)
	serverCert, err := m.ServerCertificate()
	require.NoError(t, err)

	g := New(DefaultPolicy(), authority)
	config := g.TLSConfig(serverCert, m.CAPool())
	assert.Equal(t, uint16(tls.VersionTLS12), config.MinVersion)

	d1 := issue(t, authority, "d1")
	state, err := handshake(t, config, d1, m.CAPool())
	require.NoError(t, err)
	identity, err := g.Identity(state)
	require.NoError(t, err)
	assert.Equal(t, "d1", identity)
	assert.False(t, g.Revoked(state))

	_, err = authority.Revoke(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, g.Revoked(state), "established session must be recognized as revoked")

	_, err = handshake(t, config, d1, m.CAPool())
	assert.Error(t, err, "revoked certificate must be refused")

	// a certificate of a foreign CA is refused
	other, err := credentials.Bootstrap(t.TempDir(), credentials.BootstrapOptions{KeyBits: 2048})
	require.NoError(t, err)
	otherSigner, err := other.Signer()
	require.NoError(t, err)
	otherLedger, err := credentials.OpenFileLedger(t.TempDir())
	require.NoError(t, err)
	otherAuthority, err := credentials.New(ctx, otherSigner, otherLedger)
	require.NoError(t, err)
	foreign := issue(t, otherAuthority, "d2")
	_, err = handshake(t, config, foreign, m.CAPool())
	assert.Error(t, err)
}

func TestVerifyPeerCertificateWithoutChain(t *testing.T) {
	g := New(DefaultPolicy(), nil)
	assert.ErrorIs(t, g.VerifyPeerCertificate(nil, nil), ErrAuthenticationFailure)
	_, err := g.Identity(tls.ConnectionState{})
	assert.ErrorIs(t, err, ErrAuthenticationFailure)
	assert.True(t, g.Revoked(tls.ConnectionState{}))
}
