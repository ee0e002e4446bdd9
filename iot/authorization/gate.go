package authorization

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/relabs-tech/iotplane/iot/credentials"
	"github.com/relabs-tech/iotplane/iot/topic"
)

var (
	// ErrAuthenticationFailure means a missing, untrusted or revoked client certificate
	ErrAuthenticationFailure = errors.New("authentication failure")
	// ErrTopicNotAllowed means the identity may not use the topic
	ErrTopicNotAllowed = errors.New("topic not allowed")
)

// RevocationSource provides the current revocation list
type RevocationSource interface {
	CurrentCRL() *credentials.CRL
}

// Gate is the connection gate
type Gate struct {
	policy      Policy
	revocations RevocationSource
}

// New returns a gate. A nil revocation source means nothing is revoked.
func New(policy Policy, revocations RevocationSource) *Gate {
	return &Gate{policy: policy, revocations: revocations}
}

// Policy returns the topic policy
func (g *Gate) Policy() Policy {
	return g.policy
}

func (g *Gate) crl() *credentials.CRL {
	if g.revocations == nil {
		return nil
	}
	return g.revocations.CurrentCRL()
}

// TLSConfig returns the listener configuration: client certificates chaining
// to clientCAs are mandatory and revoked serials are rejected during the handshake.
func (g *Gate) TLSConfig(serverCert tls.Certificate, clientCAs *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{serverCert},
		ClientCAs:             clientCAs,
		ClientAuth:            tls.RequireAndVerifyClientCert,
		MinVersion:            tls.VersionTLS12,
		VerifyPeerCertificate: g.VerifyPeerCertificate,
	}
}

// VerifyPeerCertificate runs after the standard chain verification and
// rejects certificates on the current CRL.
func (g *Gate) VerifyPeerCertificate(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) == 0 || len(verifiedChains[0]) == 0 {
		return fmt.Errorf("%w: no verified client certificate", ErrAuthenticationFailure)
	}
	leaf := verifiedChains[0][0]
	if g.crl().Contains(leaf.SerialNumber) {
		return fmt.Errorf("%w: certificate %X of '%s' is revoked", ErrAuthenticationFailure, leaf.SerialNumber, leaf.Subject.CommonName)
	}
	if err := topic.ValidIdentity(leaf.Subject.CommonName); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}
	return nil
}

// Identity returns the identity bound to a completed handshake
func (g *Gate) Identity(state tls.ConnectionState) (string, error) {
	if !state.HandshakeComplete || len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
		return "", fmt.Errorf("%w: no verified client certificate", ErrAuthenticationFailure)
	}
	cn := state.VerifiedChains[0][0].Subject.CommonName
	if err := topic.ValidIdentity(cn); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}
	return cn, nil
}

// Revoked reports whether the session's certificate is on the current CRL.
// Sessions without a completed handshake count as revoked.
func (g *Gate) Revoked(state tls.ConnectionState) bool {
	if !state.HandshakeComplete || len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
		return true
	}
	return g.crl().Contains(state.VerifiedChains[0][0].SerialNumber)
}

// AuthorizePublish decides whether identity may publish to t
func (g *Gate) AuthorizePublish(identity, t string) error {
	return g.authorize("publish", identity, t)
}

// AuthorizeSubscribe decides whether identity may subscribe to filter. Wildcards
// in filter are compared literally, hence "devices/+/..." is never granted.
func (g *Gate) AuthorizeSubscribe(identity, filter string) error {
	return g.authorize("subscribe", identity, filter)
}

func (g *Gate) authorize(action, identity, t string) error {
	for _, prefix := range g.policy.ReservedPrefixes {
		if strings.HasPrefix(t, prefix) {
			return fmt.Errorf("%w: %s to '%s': topic is reserved", ErrTopicNotAllowed, action, t)
		}
	}
	if topic.ValidIdentity(identity) == nil && topic.Match(topic.DeviceFilter(identity), t) {
		return nil
	}
	if g.SharedNamespace(t) != "" {
		return nil
	}
	return fmt.Errorf("%w: %s to '%s' by '%s'", ErrTopicNotAllowed, action, t, identity)
}

// SharedNamespace returns the name of the shared namespace covering t, or "".
func (g *Gate) SharedNamespace(t string) string {
	for _, s := range g.policy.Shared {
		if topic.Match(s.Filter, t) {
			return s.Name
		}
	}
	return ""
}
